package codec

import (
	"fmt"

	"github.com/rbaliyan/mailbus/mailbox"
)

type decoder struct {
	rec        *record
	mailboxIDs mailbox.IDFactory
	messageIDs mailbox.MessageIDFactory
}

func (d *decoder) decode() (mailbox.Event, error) {
	rec := d.rec
	if rec.Type == "" {
		return nil, malformed("", "missing type", nil)
	}
	if rec.Version < 1 || rec.Version > WireVersion {
		return nil, malformed(rec.Type, fmt.Sprintf("unsupported version %d", rec.Version), nil)
	}
	if rec.ID == "" {
		return nil, malformed(rec.Type, "missing event id", nil)
	}
	base := mailbox.Base{
		ID:       mailbox.EventID(rec.ID),
		Session:  mailbox.SessionID(rec.Session),
		Username: rec.User,
	}

	kind := mailbox.Kind(rec.Type)
	if kind == mailbox.KindQuotaUsageUpdated {
		return d.quota(base)
	}

	target, err := d.target()
	if err != nil {
		return nil, err
	}

	switch kind {
	case mailbox.KindAdded:
		msgs, err := d.messages()
		if err != nil {
			return nil, err
		}
		return &mailbox.Added{Base: base, Target: target, Messages: msgs}, nil
	case mailbox.KindExpunged:
		msgs, err := d.messages()
		if err != nil {
			return nil, err
		}
		return &mailbox.Expunged{Base: base, Target: target, Messages: msgs}, nil
	case mailbox.KindFlagsUpdated:
		updates, err := d.updates()
		if err != nil {
			return nil, err
		}
		return &mailbox.FlagsUpdated{Base: base, Target: target, Updates: updates}, nil
	case mailbox.KindMailboxAdded:
		return &mailbox.MailboxAdded{Base: base, Target: target}, nil
	case mailbox.KindMailboxDeleted:
		return &mailbox.MailboxDeleted{
			Base:                base,
			Target:              target,
			QuotaRoot:           rec.QuotaRoot,
			DeletedMessageCount: rec.DeletedCount,
			TotalDeletedSize:    rec.DeletedSize,
		}, nil
	case mailbox.KindMailboxRenamed:
		newPath, err := d.path(rec.NewPath, "new path")
		if err != nil {
			return nil, err
		}
		return &mailbox.MailboxRenamed{Base: base, Target: target, NewPath: newPath}, nil
	case mailbox.KindMailboxACLUpdated:
		return &mailbox.MailboxACLUpdated{Base: base, Target: target, Changes: d.acl()}, nil
	default:
		return nil, malformed(rec.Type, "unknown type", nil)
	}
}

func (d *decoder) path(p *pathRecord, field string) (mailbox.Path, error) {
	if p == nil {
		return mailbox.Path{}, malformed(d.rec.Type, "missing "+field, nil)
	}
	path := mailbox.NewPath(p.Namespace, p.User, p.Name)
	if err := path.Validate(); err != nil {
		return mailbox.Path{}, malformed(d.rec.Type, "invalid "+field, err)
	}
	return path, nil
}

func (d *decoder) target() (mailbox.Target, error) {
	// Reject unknown tags before touching the factories.
	if !knownKind(mailbox.Kind(d.rec.Type)) {
		return mailbox.Target{}, malformed(d.rec.Type, "unknown type", nil)
	}
	if d.rec.MailboxID == "" {
		return mailbox.Target{}, malformed(d.rec.Type, "missing mailbox id", nil)
	}
	id, err := d.mailboxIDs.FromString(d.rec.MailboxID)
	if err != nil {
		return mailbox.Target{}, malformed(d.rec.Type, "unresolvable mailbox id", err)
	}
	path, err := d.path(d.rec.Path, "path")
	if err != nil {
		return mailbox.Target{}, err
	}
	return mailbox.Target{MailboxID: id, MailboxPath: path}, nil
}

func (d *decoder) messageID(s string) (mailbox.MessageID, error) {
	if s == "" {
		return nil, nil
	}
	id, err := d.messageIDs.FromString(s)
	if err != nil {
		return nil, malformed(d.rec.Type, "unresolvable message id", err)
	}
	return id, nil
}

func (d *decoder) messages() ([]mailbox.MessageMetadata, error) {
	if len(d.rec.Messages) == 0 {
		return nil, nil
	}
	out := make([]mailbox.MessageMetadata, len(d.rec.Messages))
	for i, m := range d.rec.Messages {
		id, err := d.messageID(m.MessageID)
		if err != nil {
			return nil, err
		}
		out[i] = mailbox.MessageMetadata{
			UID:          mailbox.UID(m.UID),
			ModSeq:       mailbox.ModSeq(m.ModSeq),
			Size:         m.Size,
			InternalDate: decodeTime(m.InternalDate),
			Flags:        mailbox.FlagsFromNames(m.Flags),
			MessageID:    id,
		}
	}
	return out, nil
}

func (d *decoder) updates() ([]mailbox.UpdatedFlags, error) {
	if len(d.rec.Updates) == 0 {
		return nil, nil
	}
	out := make([]mailbox.UpdatedFlags, len(d.rec.Updates))
	for i, u := range d.rec.Updates {
		id, err := d.messageID(u.MessageID)
		if err != nil {
			return nil, err
		}
		out[i] = mailbox.UpdatedFlags{
			UID:       mailbox.UID(u.UID),
			ModSeq:    mailbox.ModSeq(u.ModSeq),
			MessageID: id,
			Old:       mailbox.FlagsFromNames(u.Old),
			New:       mailbox.FlagsFromNames(u.New),
		}
	}
	return out, nil
}

func (d *decoder) acl() []mailbox.ACLChange {
	if len(d.rec.ACL) == 0 {
		return nil
	}
	out := make([]mailbox.ACLChange, len(d.rec.ACL))
	for i, c := range d.rec.ACL {
		out[i] = mailbox.ACLChange{Entry: c.Entry, Old: mailbox.Rights(c.Old), New: mailbox.Rights(c.New)}
	}
	return out
}

func (d *decoder) quota(base mailbox.Base) (mailbox.Event, error) {
	rec := d.rec
	if rec.QuotaRoot == "" {
		return nil, malformed(rec.Type, "missing quota root", nil)
	}
	if rec.Count == nil || rec.Size == nil {
		return nil, malformed(rec.Type, "missing quota usage", nil)
	}
	return &mailbox.QuotaUsageUpdated{
		Base:      base,
		QuotaRoot: rec.QuotaRoot,
		Count:     mailbox.QuotaUsage{Used: rec.Count.Used, Limit: rec.Count.Limit},
		Size:      mailbox.QuotaUsage{Used: rec.Size.Used, Limit: rec.Size.Limit},
		Instant:   decodeTime(rec.Instant),
	}, nil
}

func knownKind(k mailbox.Kind) bool {
	for _, known := range mailbox.Kinds {
		if k == known {
			return true
		}
	}
	return false
}
