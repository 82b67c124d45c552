// Package registrytest provides a conformance suite for registry.Registry
// implementations and a controllable clock for lease expiry tests.
package registrytest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/registry"
)

// FakeClock is a manually advanced clock. Safe for concurrent use.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a clock frozen at start.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// Factory returns a connected registry reading time from clock. Cleanup is
// the factory's responsibility (t.Cleanup).
type Factory func(t *testing.T, clock *FakeClock) registry.Registry

// Epoch is the start time used by the suite's clocks.
var Epoch = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// Run runs the conformance suite against registries built by newRegistry.
func Run(t *testing.T, newRegistry Factory) {
	t.Helper()

	inbox := mailbox.PrivatePath("alice", "INBOX")
	sent := mailbox.PrivatePath("alice", "Sent")
	t1 := mailbox.Topic("node-1")
	t2 := mailbox.Topic("node-2")

	t.Run("RegisterThenTopics", func(t *testing.T) {
		clock := NewFakeClock(Epoch)
		r := newRegistry(t, clock)
		ctx := context.Background()

		if err := r.Register(ctx, inbox, t1, time.Minute); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		expectTopics(t, r, inbox, t1)
	})

	t.Run("UnknownPathIsEmpty", func(t *testing.T) {
		r := newRegistry(t, NewFakeClock(Epoch))
		expectTopics(t, r, mailbox.PrivatePath("nobody", "INBOX"))
	})

	t.Run("LeaseExpires", func(t *testing.T) {
		clock := NewFakeClock(Epoch)
		r := newRegistry(t, clock)
		ctx := context.Background()

		if err := r.Register(ctx, inbox, t1, time.Second); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		clock.Advance(500 * time.Millisecond)
		expectTopics(t, r, inbox, t1)

		clock.Advance(1500 * time.Millisecond)
		expectTopics(t, r, inbox)
	})

	t.Run("ExpiryIsExclusive", func(t *testing.T) {
		clock := NewFakeClock(Epoch)
		r := newRegistry(t, clock)

		if err := r.Register(context.Background(), inbox, t1, time.Second); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		clock.Advance(time.Second)
		expectTopics(t, r, inbox)
	})

	t.Run("RenewalExtendsLease", func(t *testing.T) {
		clock := NewFakeClock(Epoch)
		r := newRegistry(t, clock)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			if err := r.Register(ctx, inbox, t1, 2*time.Second); err != nil {
				t.Fatalf("Register %d failed: %v", i, err)
			}
			clock.Advance(time.Second)
		}
		expectTopics(t, r, inbox, t1)

		clock.Advance(2 * time.Second)
		expectTopics(t, r, inbox)
	})

	t.Run("RegisterIsIdempotent", func(t *testing.T) {
		r := newRegistry(t, NewFakeClock(Epoch))
		ctx := context.Background()

		for i := 0; i < 3; i++ {
			if err := r.Register(ctx, inbox, t1, time.Minute); err != nil {
				t.Fatalf("Register %d failed: %v", i, err)
			}
		}
		expectTopics(t, r, inbox, t1)
	})

	t.Run("ShorterRenewalReplacesExpiry", func(t *testing.T) {
		clock := NewFakeClock(Epoch)
		r := newRegistry(t, clock)
		ctx := context.Background()

		if err := r.Register(ctx, inbox, t1, time.Hour); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if err := r.Register(ctx, inbox, t1, time.Second); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		clock.Advance(2 * time.Second)
		expectTopics(t, r, inbox)
	})

	t.Run("MultipleTopicsPerPath", func(t *testing.T) {
		clock := NewFakeClock(Epoch)
		r := newRegistry(t, clock)
		ctx := context.Background()

		if err := r.Register(ctx, inbox, t2, time.Minute); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if err := r.Register(ctx, inbox, t1, 10*time.Second); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		expectTopics(t, r, inbox, t1, t2)

		clock.Advance(20 * time.Second)
		expectTopics(t, r, inbox, t2)
	})

	t.Run("PathsAreIsolated", func(t *testing.T) {
		r := newRegistry(t, NewFakeClock(Epoch))
		ctx := context.Background()

		if err := r.Register(ctx, inbox, t1, time.Minute); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if err := r.Register(ctx, sent, t2, time.Minute); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		expectTopics(t, r, inbox, t1)
		expectTopics(t, r, sent, t2)

		other := mailbox.PrivatePath("bob", "INBOX")
		expectTopics(t, r, other)
	})

	t.Run("SegmentsDoNotCollide", func(t *testing.T) {
		r := newRegistry(t, NewFakeClock(Epoch))
		ctx := context.Background()

		a := mailbox.NewPath("#private", "a:b", "c")
		b := mailbox.NewPath("#private", "a", "b:c")
		if err := r.Register(ctx, a, t1, time.Minute); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		expectTopics(t, r, a, t1)
		expectTopics(t, r, b)
	})

	t.Run("Unregister", func(t *testing.T) {
		r := newRegistry(t, NewFakeClock(Epoch))
		ctx := context.Background()

		if err := r.Register(ctx, inbox, t1, time.Minute); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if err := r.Register(ctx, inbox, t2, time.Minute); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if err := r.Unregister(ctx, inbox, t1); err != nil {
			t.Fatalf("Unregister failed: %v", err)
		}
		expectTopics(t, r, inbox, t2)

		if err := r.Unregister(ctx, inbox, t1); err != nil {
			t.Errorf("second Unregister failed: %v", err)
		}
		if err := r.Unregister(ctx, sent, t1); err != nil {
			t.Errorf("Unregister of absent path failed: %v", err)
		}
	})

	t.Run("ReRegisterAfterUnregister", func(t *testing.T) {
		r := newRegistry(t, NewFakeClock(Epoch))
		ctx := context.Background()

		if err := r.Register(ctx, inbox, t1, time.Minute); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if err := r.Unregister(ctx, inbox, t1); err != nil {
			t.Fatalf("Unregister failed: %v", err)
		}
		if err := r.Register(ctx, inbox, t1, time.Minute); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		expectTopics(t, r, inbox, t1)
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		r := newRegistry(t, NewFakeClock(Epoch))
		ctx := context.Background()

		tests := []struct {
			name  string
			path  mailbox.Path
			topic mailbox.Topic
			ttl   time.Duration
			want  error
		}{
			{"empty path", mailbox.Path{}, t1, time.Minute, mailbox.ErrInvalidPath},
			{"empty topic", inbox, "", time.Minute, registry.ErrInvalidTopic},
			{"zero ttl", inbox, t1, 0, registry.ErrInvalidTTL},
			{"negative ttl", inbox, t1, -time.Second, registry.ErrInvalidTTL},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				err := r.Register(ctx, tt.path, tt.topic, tt.ttl)
				if !errors.Is(err, tt.want) {
					t.Errorf("expected %v, got %v", tt.want, err)
				}
			})
		}
	})

	t.Run("ConcurrentRegister", func(t *testing.T) {
		r := newRegistry(t, NewFakeClock(Epoch))
		ctx := context.Background()

		const n = 16
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				topic := mailbox.Topic(fmt.Sprintf("node-%02d", i%4))
				errs <- r.Register(ctx, inbox, topic, time.Minute)
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("Register failed: %v", err)
			}
		}
		expectTopics(t, r, inbox, "node-00", "node-01", "node-02", "node-03")
	})

	t.Run("Sweep", func(t *testing.T) {
		clock := NewFakeClock(Epoch)
		r := newRegistry(t, clock)
		sw, ok := r.(registry.Sweeper)
		if !ok {
			t.Skip("registry does not implement Sweeper")
		}
		ctx := context.Background()

		if err := r.Register(ctx, inbox, t1, time.Second); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		if err := r.Register(ctx, inbox, t2, time.Hour); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
		clock.Advance(time.Minute)

		n, err := sw.Sweep(ctx)
		if err != nil {
			t.Fatalf("Sweep failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 swept lease, got %d", n)
		}
		expectTopics(t, r, inbox, t2)
	})
}

func expectTopics(t *testing.T, r registry.Registry, path mailbox.Path, want ...mailbox.Topic) {
	t.Helper()
	got, err := r.Topics(context.Background(), path)
	if err != nil {
		t.Fatalf("Topics(%s) failed: %v", path, err)
	}
	if len(got) != len(want) {
		t.Fatalf("Topics(%s): expected %v, got %v", path, want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Topics(%s): expected %v, got %v", path, want, got)
		}
	}
}
