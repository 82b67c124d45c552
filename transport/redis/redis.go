// Package redis provides a transport over Redis Streams.
//
// Each topic maps to one stream read through a consumer group. Entries are
// acknowledged after the handler returns, so a payload published while the
// subscriber is reconnecting or restarting is delivered once it reads again.
// Delivery is at-least-once: a handler may see a payload twice after a crash
// between handling and acknowledging it.
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/transport"
)

// Defaults.
const (
	DefaultStreamPrefix = "mailbus:topic:"
	DefaultGroup        = "mailbus"
	DefaultTimeout      = 5 * time.Second
	DefaultBlock        = time.Second
	DefaultBatchSize    = 64
	DefaultMaxLen       = 10000
	DefaultRetention    = 24 * time.Hour

	payloadField = "payload"
	maxBackoff   = 5 * time.Second
)

// Transport implements transport.Transport on Redis.
type Transport struct {
	client    redis.UniversalClient
	prefix    string
	group     string
	timeout   time.Duration
	block     time.Duration
	batch     int64
	maxLen    int64
	retention time.Duration
	logger    *slog.Logger
	closed    atomic.Bool

	mu   sync.Mutex
	subs map[*subscription]struct{}
}

var _ transport.Transport = (*Transport)(nil)

// Option configures the Redis transport.
type Option func(*Transport)

// WithStreamPrefix sets the prefix of Redis stream keys.
func WithStreamPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.prefix = prefix
		}
	}
}

// WithGroup sets the consumer group name.
func WithGroup(group string) Option {
	return func(t *Transport) {
		if group != "" {
			t.group = group
		}
	}
}

// WithTimeout bounds each publish, acknowledgement and group setup.
func WithTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithBlock sets how long one read waits for new entries. It also bounds
// how long Unsubscribe waits for the reader to notice.
func WithBlock(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.block = d
		}
	}
}

// WithBatchSize sets the maximum entries fetched per read.
func WithBatchSize(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.batch = int64(n)
		}
	}
}

// WithMaxLen caps each stream at approximately n entries.
func WithMaxLen(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.maxLen = int64(n)
		}
	}
}

// WithRetention sets how long a stream outlives its last publish. Streams of
// topics whose node has gone away are reclaimed by Redis after this period.
func WithRetention(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.retention = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a Redis transport. The client is owned by the caller.
// Compatible with *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
func New(client redis.UniversalClient, opts ...Option) *Transport {
	t := &Transport{
		client:    client,
		prefix:    DefaultStreamPrefix,
		group:     DefaultGroup,
		timeout:   DefaultTimeout,
		block:     DefaultBlock,
		batch:     DefaultBatchSize,
		maxLen:    DefaultMaxLen,
		retention: DefaultRetention,
		logger:    slog.Default(),
		subs:      make(map[*subscription]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) stream(topic mailbox.Topic) string {
	return t.prefix + string(topic)
}

// Publish appends payload to the topic's stream. A nil error means Redis
// has stored the entry.
func (t *Transport) Publish(ctx context.Context, topic mailbox.Topic, payload []byte) error {
	if t.closed.Load() {
		return transport.ErrClosed
	}
	if topic.IsZero() {
		return transport.ErrInvalidTopic
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	key := t.stream(topic)
	pipe := t.client.TxPipeline()
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: t.maxLen,
		Approx: true,
		Values: map[string]any{payloadField: payload},
	})
	pipe.PExpire(ctx, key, t.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("transport: redis publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe creates the topic's consumer group if needed and starts reading.
// Entries left unacknowledged by an earlier subscriber of the same topic are
// delivered first. Handlers run on a single goroutine per subscription.
func (t *Transport) Subscribe(ctx context.Context, topic mailbox.Topic, handler transport.Handler) (transport.Subscription, error) {
	if t.closed.Load() {
		return nil, transport.ErrClosed
	}
	if topic.IsZero() {
		return nil, transport.ErrInvalidTopic
	}
	if handler == nil {
		return nil, transport.ErrNilHandler
	}

	key := t.stream(topic)
	if err := t.createGroup(ctx, key, "$"); err != nil {
		return nil, fmt.Errorf("transport: redis subscribe %s: %w", topic, err)
	}

	runCtx, stop := context.WithCancel(context.Background())
	s := &subscription{
		transport: t,
		topic:     topic,
		key:       key,
		consumer:  string(topic),
		handler:   handler,
		stop:      stop,
		done:      make(chan struct{}),
	}
	t.mu.Lock()
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.run(runCtx)

	t.logger.Debug("subscribed", "topic", topic, "stream", key, "group", t.group)
	return s, nil
}

func (t *Transport) createGroup(ctx context.Context, key, start string) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	err := t.client.XGroupCreateMkStream(ctx, key, t.group, start).Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

// Close unsubscribes every active subscription and rejects further use.
// The client stays open.
func (t *Transport) Close(ctx context.Context) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	subs := make([]*subscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.mu.Unlock()

	var firstErr error
	for _, s := range subs {
		if err := s.Unsubscribe(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type subscription struct {
	transport *Transport
	topic     mailbox.Topic
	key       string
	consumer  string
	handler   transport.Handler
	stop      context.CancelFunc
	done      chan struct{}
	once      sync.Once
}

func (s *subscription) Topic() mailbox.Topic {
	return s.topic
}

func (s *subscription) run(ctx context.Context) {
	defer close(s.done)
	t := s.transport

	// "0" replays this consumer's pending entries, ">" reads new ones.
	cursor := "0"
	backoff := 100 * time.Millisecond
	for ctx.Err() == nil {
		args := &redis.XReadGroupArgs{
			Group:    t.group,
			Consumer: s.consumer,
			Streams:  []string{s.key, cursor},
			Count:    t.batch,
			Block:    t.block,
		}
		if cursor != ">" {
			args.Block = -1
		}
		streams, err := t.client.XReadGroup(ctx, args).Result()
		switch {
		case err == nil:
			backoff = 100 * time.Millisecond
		case errors.Is(err, redis.Nil):
			if cursor != ">" {
				cursor = ">"
			}
			continue
		case ctx.Err() != nil:
			return
		default:
			if strings.HasPrefix(err.Error(), "NOGROUP") {
				// The stream expired or was deleted; keep whatever is left.
				if gerr := t.createGroup(ctx, s.key, "0"); gerr != nil {
					err = gerr
				}
			}
			t.logger.Warn("stream read failed", "topic", s.topic, "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, maxBackoff)
			cursor = "0"
			continue
		}

		n := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				n++
				s.deliver(ctx, msg)
			}
		}
		if cursor != ">" && n == 0 {
			cursor = ">"
		}
	}
}

func (s *subscription) deliver(ctx context.Context, msg redis.XMessage) {
	t := s.transport
	if payload, ok := msg.Values[payloadField].(string); ok {
		s.handler(ctx, []byte(payload))
	} else {
		t.logger.Warn("dropping stream entry without payload", "topic", s.topic, "id", msg.ID)
	}

	ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()
	if err := t.client.XAck(ackCtx, s.key, t.group, msg.ID).Err(); err != nil {
		t.logger.Warn("stream ack failed", "topic", s.topic, "id", msg.ID, "error", err)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Unsubscribe stops reading and waits for the delivery goroutine to exit, or
// for ctx to end. The stream and its group are kept; unacknowledged entries
// are delivered to the next subscriber of the same topic.
func (s *subscription) Unsubscribe(ctx context.Context) error {
	s.once.Do(func() {
		s.stop()
		s.transport.mu.Lock()
		delete(s.transport.subs, s)
		s.transport.mu.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
