package codec

import (
	"fmt"

	"github.com/rbaliyan/mailbus/mailbox"
)

// encoder fills a record from an event. It implements mailbox.Visitor so a
// new event variant does not compile until it is encoded here.
type encoder struct {
	rec record
}

var _ mailbox.Visitor = (*encoder)(nil)

func (enc *encoder) base(kind mailbox.Kind, b mailbox.Base) error {
	if b.ID == "" {
		return fmt.Errorf("%w: %s without event id", ErrInvalidEvent, kind)
	}
	enc.rec.Type = string(kind)
	enc.rec.Version = WireVersion
	enc.rec.ID = string(b.ID)
	enc.rec.Session = int64(b.Session)
	enc.rec.User = b.Username
	return nil
}

func (enc *encoder) target(kind mailbox.Kind, b mailbox.Base, t mailbox.Target) error {
	if err := enc.base(kind, b); err != nil {
		return err
	}
	if t.MailboxID == nil {
		return fmt.Errorf("%w: %s without mailbox id", ErrInvalidEvent, kind)
	}
	if err := t.MailboxPath.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidEvent, kind, err)
	}
	enc.rec.MailboxID = t.MailboxID.String()
	enc.rec.Path = encodePath(t.MailboxPath)
	return nil
}

func encodeMessages(msgs []mailbox.MessageMetadata) []messageRecord {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]messageRecord, len(msgs))
	for i, m := range msgs {
		out[i] = messageRecord{
			UID:          uint32(m.UID),
			ModSeq:       uint64(m.ModSeq),
			Size:         m.Size,
			InternalDate: encodeTime(m.InternalDate),
			Flags:        m.Flags.Names(),
			MessageID:    idString(m.MessageID),
		}
	}
	return out
}

func (enc *encoder) VisitAdded(e *mailbox.Added) error {
	if err := enc.target(mailbox.KindAdded, e.Base, e.Target); err != nil {
		return err
	}
	enc.rec.Messages = encodeMessages(e.Messages)
	return nil
}

func (enc *encoder) VisitExpunged(e *mailbox.Expunged) error {
	if err := enc.target(mailbox.KindExpunged, e.Base, e.Target); err != nil {
		return err
	}
	enc.rec.Messages = encodeMessages(e.Messages)
	return nil
}

func (enc *encoder) VisitFlagsUpdated(e *mailbox.FlagsUpdated) error {
	if err := enc.target(mailbox.KindFlagsUpdated, e.Base, e.Target); err != nil {
		return err
	}
	if len(e.Updates) > 0 {
		enc.rec.Updates = make([]flagsRecord, len(e.Updates))
		for i, u := range e.Updates {
			enc.rec.Updates[i] = flagsRecord{
				UID:       uint32(u.UID),
				ModSeq:    uint64(u.ModSeq),
				MessageID: idString(u.MessageID),
				Old:       u.Old.Names(),
				New:       u.New.Names(),
			}
		}
	}
	return nil
}

func (enc *encoder) VisitMailboxAdded(e *mailbox.MailboxAdded) error {
	return enc.target(mailbox.KindMailboxAdded, e.Base, e.Target)
}

func (enc *encoder) VisitMailboxDeleted(e *mailbox.MailboxDeleted) error {
	if err := enc.target(mailbox.KindMailboxDeleted, e.Base, e.Target); err != nil {
		return err
	}
	enc.rec.QuotaRoot = e.QuotaRoot
	enc.rec.DeletedCount = e.DeletedMessageCount
	enc.rec.DeletedSize = e.TotalDeletedSize
	return nil
}

func (enc *encoder) VisitMailboxRenamed(e *mailbox.MailboxRenamed) error {
	if err := enc.target(mailbox.KindMailboxRenamed, e.Base, e.Target); err != nil {
		return err
	}
	if err := e.NewPath.Validate(); err != nil {
		return fmt.Errorf("%w: %s new path: %v", ErrInvalidEvent, mailbox.KindMailboxRenamed, err)
	}
	enc.rec.NewPath = encodePath(e.NewPath)
	return nil
}

func (enc *encoder) VisitMailboxACLUpdated(e *mailbox.MailboxACLUpdated) error {
	if err := enc.target(mailbox.KindMailboxACLUpdated, e.Base, e.Target); err != nil {
		return err
	}
	if len(e.Changes) > 0 {
		enc.rec.ACL = make([]aclRecord, len(e.Changes))
		for i, c := range e.Changes {
			enc.rec.ACL[i] = aclRecord{Entry: c.Entry, Old: string(c.Old), New: string(c.New)}
		}
	}
	return nil
}

func (enc *encoder) VisitQuotaUsageUpdated(e *mailbox.QuotaUsageUpdated) error {
	if err := enc.base(mailbox.KindQuotaUsageUpdated, e.Base); err != nil {
		return err
	}
	if e.QuotaRoot == "" {
		return fmt.Errorf("%w: %s without quota root", ErrInvalidEvent, mailbox.KindQuotaUsageUpdated)
	}
	enc.rec.QuotaRoot = e.QuotaRoot
	enc.rec.Count = &quotaRecord{Used: e.Count.Used, Limit: e.Count.Limit}
	enc.rec.Size = &quotaRecord{Used: e.Size.Used, Limit: e.Size.Limit}
	enc.rec.Instant = encodeTime(e.Instant)
	return nil
}
