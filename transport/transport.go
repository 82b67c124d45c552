// Package transport defines the pub/sub channel that carries serialized
// events between dispatcher instances. Delivery is at-least-once: a payload
// accepted by Publish reaches the topic's subscriber even if it is
// reconnecting at the time, and may occasionally be delivered twice.
// Publishing to a topic nobody subscribes to is not an error.
// Implementations are in transport/memory and transport/redis.
package transport

import (
	"context"
	"errors"

	"github.com/rbaliyan/mailbus/mailbox"
)

// Sentinel errors for the transport package.
var (
	// ErrClosed is returned when publishing or subscribing on a closed transport.
	ErrClosed = errors.New("transport: closed")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("transport: invalid topic")

	// ErrNilHandler is returned when subscribing without a handler.
	ErrNilHandler = errors.New("transport: nil handler")
)

// Handler receives one payload published to a subscribed topic. The payload
// is owned by the handler.
type Handler func(ctx context.Context, payload []byte)

// Subscription is an active subscription.
type Subscription interface {
	// Topic returns the subscribed topic.
	Topic() mailbox.Topic
	// Unsubscribe stops delivery. After it returns the handler is not
	// invoked again.
	Unsubscribe(ctx context.Context) error
}

// Transport publishes opaque payloads to topics and delivers payloads
// published to subscribed topics.
type Transport interface {
	Publish(ctx context.Context, topic mailbox.Topic, payload []byte) error
	Subscribe(ctx context.Context, topic mailbox.Topic, handler Handler) (Subscription, error)
}
