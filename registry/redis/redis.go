// Package redis provides a lease registry backed by Redis sorted sets.
//
// Each mailbox path is one sorted set. Members are topics and scores are
// lease expiry instants in Unix milliseconds, so a read is a single
// ZRANGEBYSCORE from "now" to +inf and never sees an expired lease. Expired
// members are trimmed whenever the path is written and by Sweep.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/registry"
)

const backend = "redis"

// Defaults.
const (
	DefaultKeyPrefix = "mailbus:lease:"
	DefaultTimeout   = 5 * time.Second
	DefaultScanCount = 256
)

// Registry implements registry.Registry on Redis.
type Registry struct {
	client    redis.UniversalClient
	prefix    string
	timeout   time.Duration
	scanCount int64
	clock     registry.Clock
	logger    *slog.Logger
	connected int32
}

var (
	_ registry.Registry  = (*Registry)(nil)
	_ registry.Sweeper   = (*Registry)(nil)
	_ registry.Lifecycle = (*Registry)(nil)
)

// Option configures the Redis registry.
type Option func(*Registry)

// WithKeyPrefix sets the prefix of lease keys.
func WithKeyPrefix(prefix string) Option {
	return func(r *Registry) {
		if prefix != "" {
			r.prefix = prefix
		}
	}
}

// WithTimeout bounds each Redis round trip.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithScanCount sets the SCAN batch hint used by Sweep.
func WithScanCount(n int64) Option {
	return func(r *Registry) {
		if n > 0 {
			r.scanCount = n
		}
	}
}

// WithClock sets the time source used to compute and check expiry.
// All nodes sharing a registry should have reasonably synchronized clocks.
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

// New creates a Redis registry. The client is owned by the caller and is
// not closed by Close.
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func New(client redis.UniversalClient, opts ...Option) *Registry {
	r := &Registry{
		client:    client,
		prefix:    DefaultKeyPrefix,
		timeout:   DefaultTimeout,
		scanCount: DefaultScanCount,
		clock:     registry.SystemClock,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Connect verifies the server is reachable.
func (r *Registry) Connect(ctx context.Context) error {
	if r.client == nil {
		return registry.Failed(backend, "connect", fmt.Errorf("nil client"))
	}
	if atomic.LoadInt32(&r.connected) == 1 {
		return registry.ErrAlreadyConnected
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return registry.Unavailable(backend, "connect", err)
	}
	if !atomic.CompareAndSwapInt32(&r.connected, 0, 1) {
		return registry.ErrAlreadyConnected
	}
	r.logger.Debug("redis registry connected", "prefix", r.prefix)
	return nil
}

// Close marks the registry as disconnected. The client stays open.
func (r *Registry) Close(_ context.Context) error {
	atomic.StoreInt32(&r.connected, 0)
	return nil
}

func (r *Registry) key(path mailbox.Path) string {
	return r.prefix + path.Key()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

// Register inserts or refreshes a lease and trims expired members of the
// same path in one transaction. The path's key expires one TTL after its
// latest registration, so a path whose nodes all crashed leaves nothing
// behind; nodes sharing a path are expected to use the same TTL.
func (r *Registry) Register(ctx context.Context, path mailbox.Path, topic mailbox.Topic, ttl time.Duration) error {
	if atomic.LoadInt32(&r.connected) == 0 {
		return registry.ErrNotConnected
	}
	if err := registry.ValidateLease(path, topic, ttl); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	now := r.clock()
	key := r.key(path)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, key, redis.Z{Score: float64(millis(now.Add(ttl))), Member: string(topic)})
		p.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(millis(now), 10))
		p.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return registry.Unavailable(backend, "register", err)
	}
	return nil
}

// Unregister removes a lease.
func (r *Registry) Unregister(ctx context.Context, path mailbox.Path, topic mailbox.Topic) error {
	if atomic.LoadInt32(&r.connected) == 0 {
		return registry.ErrNotConnected
	}
	if err := registry.ValidateEntry(path, topic); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.client.ZRem(ctx, r.key(path), string(topic)).Err(); err != nil {
		return registry.Unavailable(backend, "unregister", err)
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

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	members, err := r.client.ZRangeByScore(ctx, r.key(path), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(millis(r.clock()), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, registry.Unavailable(backend, "topics", err)
	}
	out := make([]mailbox.Topic, len(members))
	for i, m := range members {
		out[i] = mailbox.Topic(m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Sweep trims expired members from every lease key. Redis deletes a sorted
// set once its last member is removed.
func (r *Registry) Sweep(ctx context.Context) (int64, error) {
	if atomic.LoadInt32(&r.connected) == 0 {
		return 0, registry.ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	max := strconv.FormatInt(millis(r.clock()), 10)
	var removed int64
	iter := r.client.Scan(ctx, 0, r.prefix+"*", r.scanCount).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", max).Result()
		if err != nil {
			return removed, registry.Unavailable(backend, "sweep", err)
		}
		removed += n
	}
	if err := iter.Err(); err != nil {
		return removed, registry.Unavailable(backend, "sweep", err)
	}
	if removed > 0 {
		r.logger.Debug("swept expired leases", "count", removed)
	}
	return removed, nil
}
