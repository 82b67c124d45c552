package mailbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/mailbox"
)

func newRedisNode(t *testing.T, client redis.UniversalClient, topic mailbox.Topic, opts ...Option) *Dispatcher {
	t.Helper()
	defaults := []Option{
		WithRedisClient(client),
		WithTopic(topic),
		WithLogger(discardLogger()),
		WithShutdownTimeout(2 * time.Second),
	}
	d, err := New(append(defaults, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d
}

func TestRedisCluster(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	for _, format := range []codec.Format{codec.JSON, codec.MessagePack} {
		t.Run(format.Name(), func(t *testing.T) {
			a := newRedisNode(t, client, mailbox.Topic("a-"+format.Name()), WithFormat(format))
			b := newRedisNode(t, client, mailbox.Topic("b-"+format.Name()), WithFormat(format))

			la := newRecorder("a")
			lb := newRecorder("b")
			if _, err := a.AddListener(ctx, inbox, la); err != nil {
				t.Fatalf("AddListener failed: %v", err)
			}
			if _, err := b.AddListener(ctx, inbox, lb); err != nil {
				t.Fatalf("AddListener failed: %v", err)
			}

			e := added(inbox)
			if err := a.Dispatch(ctx, e); err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			if err := a.Drain(ctx); err != nil {
				t.Fatalf("Drain failed: %v", err)
			}

			eventually(t, 2*time.Second, func() bool { return lb.count() == 1 }, "remote listener did not receive the event")
			if la.count() != 1 {
				t.Errorf("expected local delivery once, got %d", la.count())
			}
			got, ok := lb.last().(*mailbox.Added)
			if !ok {
				t.Fatalf("expected *mailbox.Added, got %T", lb.last())
			}
			if got.EventID() != e.EventID() || got.MailboxPath != inbox {
				t.Errorf("expected %s on %v, got %s on %v", e.EventID(), inbox, got.EventID(), got.MailboxPath)
			}
			if len(got.Messages) != 1 || !got.Messages[0].Flags.Has(mailbox.FlagRecent) {
				t.Errorf("expected message metadata to survive the wire, got %+v", got.Messages)
			}

			if err := b.Close(ctx); err != nil {
				t.Fatalf("Close failed: %v", err)
			}
			if err := a.RenewLeases(ctx); err != nil {
				t.Fatalf("RenewLeases failed: %v", err)
			}
			if err := a.Dispatch(ctx, added(inbox)); err != nil {
				t.Fatalf("Dispatch failed: %v", err)
			}
			if err := a.Drain(ctx); err != nil {
				t.Fatalf("Drain failed: %v", err)
			}
			if s := a.Stats(); s.Published != 1 {
				t.Errorf("expected no publish after node b left, got %d publishes", s.Published)
			}
		})
	}
}
