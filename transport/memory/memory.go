// Package memory provides an in-process transport. A Hub is shared by the
// dispatchers of a simulated cluster; delivery is synchronous, so Publish
// returns after every subscriber's handler has run.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/transport"
)

// Hub implements transport.Transport in memory. Safe for concurrent use.
type Hub struct {
	mu     sync.RWMutex
	subs   map[mailbox.Topic][]*subscription
	closed atomic.Bool

	published atomic.Int64
	delivered atomic.Int64
}

var _ transport.Transport = (*Hub)(nil)

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[mailbox.Topic][]*subscription)}
}

type subscription struct {
	hub     *Hub
	topic   mailbox.Topic
	handler transport.Handler

	// mu is held for reading while the handler runs so Unsubscribe can
	// wait for in-flight deliveries.
	mu     sync.RWMutex
	active bool
}

func (s *subscription) Topic() mailbox.Topic {
	return s.topic
}

func (s *subscription) Unsubscribe(_ context.Context) error {
	s.hub.remove(s)
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return nil
}

func (s *subscription) deliver(ctx context.Context, payload []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.active {
		return false
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.handler(ctx, buf)
	return true
}

// Publish delivers payload to every subscriber of topic before returning.
func (h *Hub) Publish(ctx context.Context, topic mailbox.Topic, payload []byte) error {
	if h.closed.Load() {
		return transport.ErrClosed
	}
	if topic.IsZero() {
		return transport.ErrInvalidTopic
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	h.published.Add(1)

	h.mu.RLock()
	subs := append([]*subscription(nil), h.subs[topic]...)
	h.mu.RUnlock()

	for _, s := range subs {
		if s.deliver(ctx, payload) {
			h.delivered.Add(1)
		}
	}
	return nil
}

// Subscribe registers handler for topic.
func (h *Hub) Subscribe(_ context.Context, topic mailbox.Topic, handler transport.Handler) (transport.Subscription, error) {
	if h.closed.Load() {
		return nil, transport.ErrClosed
	}
	if topic.IsZero() {
		return nil, transport.ErrInvalidTopic
	}
	if handler == nil {
		return nil, transport.ErrNilHandler
	}

	s := &subscription{hub: h, topic: topic, handler: handler, active: true}
	h.mu.Lock()
	h.subs[topic] = append(h.subs[topic], s)
	h.mu.Unlock()
	return s, nil
}

func (h *Hub) remove(s *subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subs[s.topic]
	for i, candidate := range subs {
		if candidate == s {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(h.subs, s.topic)
	} else {
		h.subs[s.topic] = subs
	}
}

// Close rejects further publishes and subscriptions.
func (h *Hub) Close() error {
	h.closed.Store(true)
	return nil
}

// Subscribers returns the number of subscriptions on topic.
func (h *Hub) Subscribers(topic mailbox.Topic) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[topic])
}

// Stats returns the number of publishes and of handler deliveries so far.
func (h *Hub) Stats() (published, delivered int64) {
	return h.published.Load(), h.delivered.Load()
}
