package mailbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/event/v3"
	"github.com/rbaliyan/event/v3/transport/channel"

	"github.com/rbaliyan/mailbus/mailbox"
)

func TestNewEventRecord(t *testing.T) {
	now := time.Date(2024, 3, 1, 14, 0, 0, 0, time.FixedZone("CET", 3600))

	t.Run("added", func(t *testing.T) {
		e := added(inbox)
		rec := newEventRecord(e, "node-1", now)

		if rec.EventID != string(e.EventID()) {
			t.Errorf("expected event id %s, got %s", e.EventID(), rec.EventID)
		}
		if rec.Kind != string(mailbox.KindAdded) {
			t.Errorf("expected kind %s, got %s", mailbox.KindAdded, rec.Kind)
		}
		if rec.SessionID != 42 || rec.User != "alice" || rec.Origin != "node-1" {
			t.Errorf("unexpected base fields: %+v", rec)
		}
		if rec.Namespace != inbox.Namespace || rec.Owner != "alice" || rec.Mailbox != "INBOX" {
			t.Errorf("expected path %v, got %s:%s:%s", inbox, rec.Namespace, rec.Owner, rec.Mailbox)
		}
		if rec.MailboxID != e.MailboxID.String() {
			t.Errorf("expected mailbox id %s, got %s", e.MailboxID, rec.MailboxID)
		}
		if rec.Messages != 1 {
			t.Errorf("expected 1 message, got %d", rec.Messages)
		}
		if !rec.RaisedAt.Equal(now) || rec.RaisedAt.Location() != time.UTC {
			t.Errorf("expected %v in UTC, got %v", now, rec.RaisedAt)
		}
	})

	t.Run("renamed", func(t *testing.T) {
		rec := newEventRecord(renamed(inbox, archive), "node-1", now)
		if rec.Mailbox != "INBOX" || rec.NewMailbox != "Archive" {
			t.Errorf("expected INBOX -> Archive, got %s -> %s", rec.Mailbox, rec.NewMailbox)
		}
	})

	t.Run("deleted", func(t *testing.T) {
		rec := newEventRecord(deleted(inbox), "node-1", now)
		if rec.QuotaRoot != "#private&alice" || rec.Messages != 3 {
			t.Errorf("expected quota root and 3 messages, got %q and %d", rec.QuotaRoot, rec.Messages)
		}
	})

	t.Run("quota has no path", func(t *testing.T) {
		rec := newEventRecord(quotaUpdated("bob"), "node-1", now)
		if rec.Mailbox != "" || rec.MailboxID != "" {
			t.Errorf("expected no mailbox fields, got %+v", rec)
		}
		if rec.QuotaRoot != "#private&bob" {
			t.Errorf("expected quota root #private&bob, got %q", rec.QuotaRoot)
		}
	})
}

func TestEventBridge(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		c := newCluster(t, 1)
		if c.nodes[0].Events() != nil {
			t.Error("expected no bridged event without WithEventBridge")
		}
	})

	t.Run("noop transport", func(t *testing.T) {
		c := newCluster(t, 1, WithEventBridge(true))
		if c.nodes[0].Events() == nil {
			t.Fatal("expected bridged event after Start")
		}
		c.dispatch(t, 0, added(inbox))
		if errs := c.sinks[0].byOp(OpListener); len(errs) != 0 {
			t.Errorf("expected bridge publish to succeed, got %v", errs)
		}
	})

	t.Run("publishes local events once", func(t *testing.T) {
		c := newCluster(t, 2, WithEventTransport(channel.New()))
		ctx := context.Background()

		var (
			mu      sync.Mutex
			records []EventRecord
		)
		err := c.nodes[0].Events().Subscribe(ctx, func(_ context.Context, _ event.Event[EventRecord], rec EventRecord) error {
			mu.Lock()
			defer mu.Unlock()
			records = append(records, rec)
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}

		c.listen(t, 1, inbox, newRecorder("remote"))
		e := added(inbox)
		c.dispatch(t, 0, e)

		eventually(t, 2*time.Second, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(records) > 0
		}, "bridged event not received")

		mu.Lock()
		defer mu.Unlock()
		if len(records) != 1 {
			t.Fatalf("expected 1 record, got %d", len(records))
		}
		if records[0].EventID != string(e.EventID()) || records[0].Origin != "node-1" {
			t.Errorf("unexpected record: %+v", records[0])
		}
	})
}
