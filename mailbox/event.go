package mailbox

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates the variants of [Event]. The string value is the
// variant tag carried on the wire.
type Kind string

// Event kinds.
const (
	KindAdded             Kind = "Added"
	KindExpunged          Kind = "Expunged"
	KindFlagsUpdated      Kind = "FlagsUpdated"
	KindMailboxAdded      Kind = "MailboxAdded"
	KindMailboxDeleted    Kind = "MailboxDeleted"
	KindMailboxRenamed    Kind = "MailboxRenamed"
	KindMailboxACLUpdated Kind = "MailboxACLUpdated"
	KindQuotaUsageUpdated Kind = "QuotaUsageUpdated"
)

// Kinds lists every event kind.
var Kinds = []Kind{
	KindAdded,
	KindExpunged,
	KindFlagsUpdated,
	KindMailboxAdded,
	KindMailboxDeleted,
	KindMailboxRenamed,
	KindMailboxACLUpdated,
	KindQuotaUsageUpdated,
}

// EventID uniquely identifies one raised event. Consumers use it to
// deduplicate deliveries from an at-least-once transport.
type EventID string

// NewEventID returns a random event id.
func NewEventID() EventID {
	return EventID(uuid.NewString())
}

// SessionID identifies the protocol session that caused the change.
type SessionID int64

// UID is the IMAP unique identifier of a message within a mailbox.
type UID uint32

// ModSeq is the modification sequence of a message.
type ModSeq uint64

// Event is a change to mailbox state. The set of variants is closed: the
// unexported method prevents implementations outside this package, and
// [Visitor] has one method per variant so that adding a variant breaks
// every consumer until it handles it.
type Event interface {
	// EventID returns the unique id of this event.
	EventID() EventID
	// SessionID returns the originating session.
	SessionID() SessionID
	// User returns the user on whose behalf the change was made.
	User() string
	// Kind returns the variant tag.
	Kind() Kind
	// Path returns the mailbox path used for path-scoped routing. Events
	// not bound to a mailbox return false.
	Path() (Path, bool)
	// Accept dispatches to the visitor method for the concrete variant.
	Accept(v Visitor) error

	sealed()
}

// Visitor handles each event variant.
type Visitor interface {
	VisitAdded(e *Added) error
	VisitExpunged(e *Expunged) error
	VisitFlagsUpdated(e *FlagsUpdated) error
	VisitMailboxAdded(e *MailboxAdded) error
	VisitMailboxDeleted(e *MailboxDeleted) error
	VisitMailboxRenamed(e *MailboxRenamed) error
	VisitMailboxACLUpdated(e *MailboxACLUpdated) error
	VisitQuotaUsageUpdated(e *QuotaUsageUpdated) error
}

// Base holds the fields common to every event.
type Base struct {
	ID       EventID
	Session  SessionID
	Username string
}

func (b Base) EventID() EventID     { return b.ID }
func (b Base) SessionID() SessionID { return b.Session }
func (b Base) User() string         { return b.Username }

// Target binds an event to a mailbox.
type Target struct {
	MailboxID   ID
	MailboxPath Path
}

// Path returns the mailbox path of the target.
func (t Target) Path() (Path, bool) { return t.MailboxPath, true }

// MessageMetadata describes one message in an [Added] or [Expunged] event.
type MessageMetadata struct {
	UID          UID
	ModSeq       ModSeq
	Size         int64
	InternalDate time.Time
	Flags        Flags
	// MessageID may be nil for engines without global message ids.
	MessageID MessageID
}

// UpdatedFlags is the flag transition of one message.
type UpdatedFlags struct {
	UID       UID
	ModSeq    ModSeq
	MessageID MessageID
	Old       Flags
	New       Flags
}

// Rights is an IMAP ACL rights string, e.g. "lrswipkxtecda".
type Rights string

// ACLChange is the rights transition of one ACL entry. Empty Old means the
// entry was added; empty New means it was removed.
type ACLChange struct {
	Entry string
	Old   Rights
	New   Rights
}

// QuotaUsage is a used/limit pair. A negative limit means unlimited.
type QuotaUsage struct {
	Used  int64
	Limit int64
}

// Added is raised when messages are appended to a mailbox.
type Added struct {
	Base
	Target
	Messages []MessageMetadata
}

// Expunged is raised when messages are permanently removed from a mailbox.
type Expunged struct {
	Base
	Target
	Messages []MessageMetadata
}

// FlagsUpdated is raised when message flags change.
type FlagsUpdated struct {
	Base
	Target
	Updates []UpdatedFlags
}

// MailboxAdded is raised when a mailbox is created.
type MailboxAdded struct {
	Base
	Target
}

// MailboxDeleted is raised when a mailbox is deleted.
type MailboxDeleted struct {
	Base
	Target
	QuotaRoot           string
	DeletedMessageCount int64
	TotalDeletedSize    int64
}

// MailboxRenamed is raised when a mailbox is renamed. The event routes on
// the old path; NewPath carries the destination.
type MailboxRenamed struct {
	Base
	Target
	NewPath Path
}

// MailboxACLUpdated is raised when the access control list of a mailbox changes.
type MailboxACLUpdated struct {
	Base
	Target
	Changes []ACLChange
}

// QuotaUsageUpdated is raised when the usage of a quota root changes. It is
// not bound to a mailbox and therefore only reaches global listeners.
type QuotaUsageUpdated struct {
	Base
	QuotaRoot string
	Count     QuotaUsage
	Size      QuotaUsage
	Instant   time.Time
}

func (*Added) Kind() Kind             { return KindAdded }
func (*Expunged) Kind() Kind          { return KindExpunged }
func (*FlagsUpdated) Kind() Kind      { return KindFlagsUpdated }
func (*MailboxAdded) Kind() Kind      { return KindMailboxAdded }
func (*MailboxDeleted) Kind() Kind    { return KindMailboxDeleted }
func (*MailboxRenamed) Kind() Kind    { return KindMailboxRenamed }
func (*MailboxACLUpdated) Kind() Kind { return KindMailboxACLUpdated }
func (*QuotaUsageUpdated) Kind() Kind { return KindQuotaUsageUpdated }

func (e *Added) Accept(v Visitor) error             { return v.VisitAdded(e) }
func (e *Expunged) Accept(v Visitor) error          { return v.VisitExpunged(e) }
func (e *FlagsUpdated) Accept(v Visitor) error      { return v.VisitFlagsUpdated(e) }
func (e *MailboxAdded) Accept(v Visitor) error      { return v.VisitMailboxAdded(e) }
func (e *MailboxDeleted) Accept(v Visitor) error    { return v.VisitMailboxDeleted(e) }
func (e *MailboxRenamed) Accept(v Visitor) error    { return v.VisitMailboxRenamed(e) }
func (e *MailboxACLUpdated) Accept(v Visitor) error { return v.VisitMailboxACLUpdated(e) }
func (e *QuotaUsageUpdated) Accept(v Visitor) error { return v.VisitQuotaUsageUpdated(e) }

// Path reports that quota events are not bound to a mailbox.
func (*QuotaUsageUpdated) Path() (Path, bool) { return Path{}, false }

func (*Added) sealed()             {}
func (*Expunged) sealed()          {}
func (*FlagsUpdated) sealed()      {}
func (*MailboxAdded) sealed()      {}
func (*MailboxDeleted) sealed()    {}
func (*MailboxRenamed) sealed()    {}
func (*MailboxACLUpdated) sealed() {}
func (*QuotaUsageUpdated) sealed() {}

// Compile-time checks.
var (
	_ Event = (*Added)(nil)
	_ Event = (*Expunged)(nil)
	_ Event = (*FlagsUpdated)(nil)
	_ Event = (*MailboxAdded)(nil)
	_ Event = (*MailboxDeleted)(nil)
	_ Event = (*MailboxRenamed)(nil)
	_ Event = (*MailboxACLUpdated)(nil)
	_ Event = (*QuotaUsageUpdated)(nil)
)

// MailboxIDOf returns the mailbox id of a mailbox-bound event.
func MailboxIDOf(e Event) (ID, bool) {
	var t *Target
	switch v := e.(type) {
	case *Added:
		t = &v.Target
	case *Expunged:
		t = &v.Target
	case *FlagsUpdated:
		t = &v.Target
	case *MailboxAdded:
		t = &v.Target
	case *MailboxDeleted:
		t = &v.Target
	case *MailboxRenamed:
		t = &v.Target
	case *MailboxACLUpdated:
		t = &v.Target
	default:
		return nil, false
	}
	return t.MailboxID, t.MailboxID != nil
}
