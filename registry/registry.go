// Package registry defines the lease registry: a shared table mapping a
// mailbox path to the topics of the dispatchers interested in it.
//
// Every entry is a lease with an expiry. Reads compute freshness at call
// time and never return an expired entry, so a node that crashes without
// unregistering simply ages out of the table. Implementations are in the
// registry/memory, registry/redis, registry/postgres and registry/mongo
// subpackages.
//
// Each dispatcher holds its own client handle to the shared store. The
// memory backend stands in for that store when several dispatchers run in
// one process, so they share one *memory.Registry value.
package registry

import (
	"context"
	"time"

	"github.com/rbaliyan/mailbus/mailbox"
)

// Registry is the lease backing store.
//
// All operations must be safe for concurrent use. Failures reaching the
// backing store are reported as errors matching [ErrUnavailable]; a failed
// Register is never reported as success.
type Registry interface {
	// Register inserts or refreshes the lease of (path, topic) so that it
	// expires ttl from now. Registering an existing pair only moves its expiry.
	Register(ctx context.Context, path mailbox.Path, topic mailbox.Topic, ttl time.Duration) error

	// Unregister removes the lease of (path, topic). Removing an absent
	// lease is a no-op.
	Unregister(ctx context.Context, path mailbox.Path, topic mailbox.Topic) error

	// Topics returns the distinct topics holding an unexpired lease on path,
	// in ascending order.
	Topics(ctx context.Context, path mailbox.Path) ([]mailbox.Topic, error)
}

// Sweeper is implemented by registries that keep expired leases until they
// are removed explicitly. Sweep deletes every expired lease and returns how
// many were removed. Sweeping is memory hygiene only: reads already ignore
// expired leases.
type Sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

// Lifecycle is implemented by registries that need to prepare the backing
// store (schema, indexes) before use.
type Lifecycle interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error
}

// Clock returns the current time. Backends accept one for deterministic tests.
type Clock func() time.Time

// SystemClock is the wall clock.
func SystemClock() time.Time {
	return time.Now()
}

// ValidateLease checks the arguments common to Register implementations.
func ValidateLease(path mailbox.Path, topic mailbox.Topic, ttl time.Duration) error {
	if err := ValidateEntry(path, topic); err != nil {
		return err
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

// ValidateEntry checks a (path, topic) pair.
func ValidateEntry(path mailbox.Path, topic mailbox.Topic) error {
	if err := path.Validate(); err != nil {
		return err
	}
	if topic.IsZero() {
		return ErrInvalidTopic
	}
	return nil
}
