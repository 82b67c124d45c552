// Package memory provides an in-process lease registry.
//
// A single Registry value stands in for the shared backing store: every
// dispatcher of a simulated cluster holds a reference to it the same way
// real nodes hold a client to the same Redis or Postgres instance. Data is
// not persisted.
package memory

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/registry"
)

// Registry implements registry.Registry with an in-memory table.
// Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	leases    map[mailbox.Path]map[mailbox.Topic]time.Time
	clock     registry.Clock
	logger    *slog.Logger
	connected int32
}

var (
	_ registry.Registry  = (*Registry)(nil)
	_ registry.Sweeper   = (*Registry)(nil)
	_ registry.Lifecycle = (*Registry)(nil)
)

// Option configures a memory registry.
type Option func(*Registry)

// WithClock sets the time source used for expiry.
func WithClock(clock registry.Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an in-memory registry. Call Connect before use.
func New(opts ...Option) *Registry {
	r := &Registry{
		leases: make(map[mailbox.Path]map[mailbox.Topic]time.Time),
		clock:  registry.SystemClock,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect marks the registry as connected.
func (r *Registry) Connect(_ context.Context) error {
	if !atomic.CompareAndSwapInt32(&r.connected, 0, 1) {
		return registry.ErrAlreadyConnected
	}
	return nil
}

// Close marks the registry as disconnected. Leases are kept.
func (r *Registry) Close(_ context.Context) error {
	atomic.StoreInt32(&r.connected, 0)
	return nil
}

// Register inserts or refreshes a lease.
func (r *Registry) Register(ctx context.Context, path mailbox.Path, topic mailbox.Topic, ttl time.Duration) error {
	if atomic.LoadInt32(&r.connected) == 0 {
		return registry.ErrNotConnected
	}
	if err := registry.ValidateLease(path, topic, ttl); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	expiry := r.clock().Add(ttl)

	r.mu.Lock()
	defer r.mu.Unlock()
	topics, ok := r.leases[path]
	if !ok {
		topics = make(map[mailbox.Topic]time.Time)
		r.leases[path] = topics
	}
	topics[topic] = expiry
	return nil
}

// Unregister removes a lease. Absent leases are ignored.
func (r *Registry) Unregister(ctx context.Context, path mailbox.Path, topic mailbox.Topic) error {
	if atomic.LoadInt32(&r.connected) == 0 {
		return registry.ErrNotConnected
	}
	if err := registry.ValidateEntry(path, topic); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	topics, ok := r.leases[path]
	if !ok {
		return nil
	}
	delete(topics, topic)
	if len(topics) == 0 {
		delete(r.leases, path)
	}
	return nil
}

// Topics returns the unexpired topics for path in ascending order.
func (r *Registry) Topics(ctx context.Context, path mailbox.Path) ([]mailbox.Topic, error) {
	if atomic.LoadInt32(&r.connected) == 0 {
		return nil, registry.ErrNotConnected
	}
	if err := path.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := r.clock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := r.leases[path]
	out := make([]mailbox.Topic, 0, len(topics))
	for topic, expiry := range topics {
		if expiry.After(now) {
			out = append(out, topic)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Sweep removes expired leases.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	if atomic.LoadInt32(&r.connected) == 0 {
		return 0, registry.ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := r.clock()
	var removed int64

	r.mu.Lock()
	defer r.mu.Unlock()
	for path, topics := range r.leases {
		for topic, expiry := range topics {
			if !expiry.After(now) {
				delete(topics, topic)
				removed++
			}
		}
		if len(topics) == 0 {
			delete(r.leases, path)
		}
	}
	if removed > 0 {
		r.logger.Debug("swept expired leases", "count", removed)
	}
	return removed, nil
}

// Len returns the number of stored leases, expired or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, topics := range r.leases {
		n += len(topics)
	}
	return n
}
