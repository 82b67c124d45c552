package mailbus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/noop"
	eventredis "github.com/rbaliyan/event/v3/transport/redis"

	"github.com/rbaliyan/mailbus/mailbox"
)

// EventNameMailboxEvent is the suffix of the bridged event name. The full
// name is "<bus name>.mailbus.mailbox.event".
const EventNameMailboxEvent = "mailbus.mailbox.event"

// EventRecord is the flat form of a mailbox event published on the event
// bus. It is meant for consumers outside the mail server, such as audit
// or analytics pipelines, and carries no message content.
type EventRecord struct {
	EventID   string    `json:"event_id"`
	Kind      string    `json:"kind"`
	SessionID int64     `json:"session_id"`
	User      string    `json:"user"`
	Origin    string    `json:"origin"` // topic of the raising node
	Namespace string    `json:"namespace,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Mailbox   string    `json:"mailbox,omitempty"`
	MailboxID string    `json:"mailbox_id,omitempty"`
	RaisedAt  time.Time `json:"raised_at"`

	// NewMailbox is the destination name of a rename.
	NewMailbox string `json:"new_mailbox,omitempty"`
	// Messages counts the messages an Added, Expunged or FlagsUpdated event touches.
	Messages int `json:"messages,omitempty"`
	// QuotaRoot is set for quota and deletion events.
	QuotaRoot string `json:"quota_root,omitempty"`
}

// newEventRecord flattens e.
func newEventRecord(e mailbox.Event, origin mailbox.Topic, now time.Time) EventRecord {
	rec := EventRecord{
		EventID:   string(e.EventID()),
		Kind:      string(e.Kind()),
		SessionID: int64(e.SessionID()),
		User:      e.User(),
		Origin:    string(origin),
		RaisedAt:  now.UTC(),
	}
	if p, ok := e.Path(); ok {
		rec.Namespace = p.Namespace
		rec.Owner = p.User
		rec.Mailbox = p.Name
	}
	if id, ok := mailbox.MailboxIDOf(e); ok && id != nil {
		rec.MailboxID = id.String()
	}

	switch v := e.(type) {
	case *mailbox.Added:
		rec.Messages = len(v.Messages)
	case *mailbox.Expunged:
		rec.Messages = len(v.Messages)
	case *mailbox.FlagsUpdated:
		rec.Messages = len(v.Updates)
	case *mailbox.MailboxDeleted:
		rec.QuotaRoot = v.QuotaRoot
		rec.Messages = int(v.DeletedMessageCount)
	case *mailbox.MailboxRenamed:
		rec.NewMailbox = v.NewPath.Name
	case *mailbox.QuotaUsageUpdated:
		rec.QuotaRoot = v.QuotaRoot
	}
	return rec
}

// busCounter generates unique suffixes for event bus names.
var busCounter int64

// eventBridge republishes locally raised events on an event bus. It runs
// as a plugin so its bus follows the dispatcher lifecycle, and as a global
// listener so each event is published once across the cluster.
type eventBridge struct {
	opts   *options
	origin mailbox.Topic

	bus   *event.Bus
	owned bool // bus created here with a real transport
	ev    event.Event[EventRecord]
}

var _ ListenerPlugin = (*eventBridge)(nil)

func newEventBridge(opts *options, origin mailbox.Topic) *eventBridge {
	return &eventBridge{opts: opts, origin: origin}
}

func (b *eventBridge) Name() string {
	return "event-bridge"
}

// Init creates the bus unless one was supplied and registers the event.
func (b *eventBridge) Init(ctx context.Context) error {
	logger := b.opts.logger
	// Each bus needs a unique name, so append a counter suffix
	busName := fmt.Sprintf("%s-%d", b.opts.serviceName, atomic.AddInt64(&busCounter, 1))

	bus := b.opts.eventBus
	if bus == nil {
		var err error
		switch {
		case b.opts.eventTransport != nil:
			logger.Info("initializing event bus with custom transport")
			bus, err = event.NewBus(busName, event.WithTransport(b.opts.eventTransport))
			b.owned = true
		case b.opts.redisClient != nil:
			logger.Info("initializing event bus with Redis transport")
			t, transportErr := eventredis.New(b.opts.redisClient)
			if transportErr != nil {
				return fmt.Errorf("create redis transport: %w", transportErr)
			}
			bus, err = event.NewBus(busName, event.WithTransport(t))
			b.owned = true
		default:
			logger.Debug("initializing event bus with noop transport")
			bus, err = event.NewBus(busName, event.WithTransport(noop.New()))
		}
		if err != nil {
			return fmt.Errorf("create event bus: %w", err)
		}
	}

	ev := event.New[EventRecord](busName + "." + EventNameMailboxEvent)
	if err := tryRegister(ctx, bus, ev); err != nil {
		if b.owned {
			_ = bus.Close(ctx)
		}
		return fmt.Errorf("register %s: %w", EventNameMailboxEvent, err)
	}
	b.bus = bus
	b.ev = ev
	return nil
}

// OnEvent publishes the record of e. A failure is reported like any other
// listener failure.
func (b *eventBridge) OnEvent(ctx context.Context, e mailbox.Event) error {
	if b.ev == nil {
		return nil
	}
	return b.ev.Publish(ctx, newEventRecord(e, b.origin, time.Now()))
}

// Close closes the bus only if it was created here with a real transport.
// A noop bus holds no resources.
func (b *eventBridge) Close(ctx context.Context) error {
	if b.bus == nil || !b.owned {
		return nil
	}
	if err := b.bus.Close(ctx); err != nil {
		return fmt.Errorf("close event bus: %w", err)
	}
	return nil
}

// tryRegister attempts to register an event, ignoring "already bound" errors.
func tryRegister[T any](ctx context.Context, bus *event.Bus, ev event.Event[T]) error {
	err := event.Register(ctx, bus, ev)
	if err == nil {
		return nil
	}
	if errors.Is(err, event.ErrAlreadyBound) {
		return nil
	}
	return err
}
