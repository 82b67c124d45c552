package mailbus

import (
	"fmt"

	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/mailbox"
)

// Validation limits for raised events.
const (
	// MaxMessagesPerEvent bounds the messages or flag updates one event may carry.
	MaxMessagesPerEvent = 10000

	// MaxEventIDLength is the maximum length of an event id.
	MaxEventIDLength = 256
)

// ValidateEvent checks that e can be routed and serialized. Dispatch calls
// it before any listener runs.
func ValidateEvent(e mailbox.Event) error {
	if e == nil {
		return fmt.Errorf("%w: nil event", codec.ErrInvalidEvent)
	}
	id := e.EventID()
	if id == "" {
		return fmt.Errorf("%w: %s without event id", codec.ErrInvalidEvent, e.Kind())
	}
	if len(id) > MaxEventIDLength {
		return fmt.Errorf("%w: event id exceeds %d characters", codec.ErrInvalidEvent, MaxEventIDLength)
	}

	if path, ok := e.Path(); ok {
		if err := path.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidPath, e.Kind(), err)
		}
		if id, ok := mailbox.MailboxIDOf(e); !ok || id == nil {
			return fmt.Errorf("%w: %s without mailbox id", codec.ErrInvalidEvent, e.Kind())
		}
	}

	switch v := e.(type) {
	case *mailbox.Added:
		return validateMessages(e, v.Messages)
	case *mailbox.Expunged:
		return validateMessages(e, v.Messages)
	case *mailbox.FlagsUpdated:
		if len(v.Updates) > MaxMessagesPerEvent {
			return fmt.Errorf("%w: %s carries %d updates, max %d",
				codec.ErrInvalidEvent, e.Kind(), len(v.Updates), MaxMessagesPerEvent)
		}
		for _, u := range v.Updates {
			if u.UID == 0 {
				return fmt.Errorf("%w: %s: zero uid", codec.ErrInvalidEvent, e.Kind())
			}
		}
	case *mailbox.MailboxRenamed:
		if err := v.NewPath.Validate(); err != nil {
			return fmt.Errorf("%w: rename target: %v", ErrInvalidPath, err)
		}
	case *mailbox.QuotaUsageUpdated:
		if v.QuotaRoot == "" {
			return fmt.Errorf("%w: %s without quota root", codec.ErrInvalidEvent, e.Kind())
		}
	}
	return nil
}

func validateMessages(e mailbox.Event, msgs []mailbox.MessageMetadata) error {
	if len(msgs) > MaxMessagesPerEvent {
		return fmt.Errorf("%w: %s carries %d messages, max %d",
			codec.ErrInvalidEvent, e.Kind(), len(msgs), MaxMessagesPerEvent)
	}
	for _, m := range msgs {
		if m.UID == 0 {
			return fmt.Errorf("%w: %s: zero uid", codec.ErrInvalidEvent, e.Kind())
		}
	}
	return nil
}
