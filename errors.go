package mailbus

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/registry"
	"github.com/rbaliyan/mailbus/transport"
)

// Sentinel errors for the mailbus package.
// Use errors.Is() to check for these errors.
//
// Errors that mirror a lower layer wrap it, so errors.Is(err,
// mailbus.ErrRegistryUnavailable) also matches registry.ErrUnavailable.
var (
	// ErrInvalidConfig is returned by New for inconsistent options.
	ErrInvalidConfig = errors.New("mailbus: invalid configuration")

	// ErrRegistryRequired is returned when no lease registry is configured.
	ErrRegistryRequired = errors.New("mailbus: registry is required")

	// ErrTransportRequired is returned when no transport is configured.
	ErrTransportRequired = errors.New("mailbus: transport is required")

	// ErrNotStarted is returned when operations are attempted before Start().
	ErrNotStarted = errors.New("mailbus: dispatcher not started")

	// ErrAlreadyStarted is returned when Start() is called twice.
	ErrAlreadyStarted = errors.New("mailbus: dispatcher already started")

	// ErrClosed is returned after Close().
	ErrClosed = errors.New("mailbus: dispatcher closed")

	// ErrNilListener is returned when registering a nil listener.
	ErrNilListener = errors.New("mailbus: nil listener")

	// ErrListenerNotFound is returned when removing a listener that is not registered.
	ErrListenerNotFound = errors.New("mailbus: listener not found")

	// ErrInvalidPath is returned for a path that does not name a mailbox.
	// Wraps mailbox.ErrInvalidPath for consistent error checking.
	ErrInvalidPath = fmt.Errorf("mailbus: %w", mailbox.ErrInvalidPath)

	// ErrRegistryUnavailable is returned when the lease registry could not be reached.
	// Wraps registry.ErrUnavailable for consistent error checking.
	ErrRegistryUnavailable = fmt.Errorf("mailbus: %w", registry.ErrUnavailable)

	// ErrMalformedEvent is reported for inbound payloads that cannot be decoded.
	// Wraps codec.ErrMalformedEvent for consistent error checking.
	ErrMalformedEvent = fmt.Errorf("mailbus: %w", codec.ErrMalformedEvent)

	// ErrListenerFailure is reported when a listener returns an error or panics.
	ErrListenerFailure = errors.New("mailbus: listener failure")

	// ErrPublishFailure is reported when the transport rejects a publish.
	ErrPublishFailure = errors.New("mailbus: publish failure")

	// ErrFanoutRejected is reported when an event's remote fan-out could not
	// be scheduled because the dispatcher is shutting down.
	ErrFanoutRejected = errors.New("mailbus: fan-out rejected")
)

// ListenerError reports a failed listener invocation. It never reaches the
// caller of Dispatch; it is delivered to the ErrorHandler.
type ListenerError struct {
	// Listener names the listener (its Name() if it has one, else its type).
	Listener string
	// Type is the listener's registration type.
	Type ListenerType
	// Path is the registration path of a path-scoped listener.
	Path mailbox.Path
	// EventID identifies the event being delivered.
	EventID mailbox.EventID
	// Kind is the event variant.
	Kind mailbox.Kind
	// Err is the listener's error, or a description of the panic.
	Err error
	// Panic holds the recovered value if the listener panicked.
	Panic any
}

func (e *ListenerError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("mailbus: listener %s panicked on %s %s: %v", e.Listener, e.Kind, e.EventID, e.Panic)
	}
	return fmt.Sprintf("mailbus: listener %s failed on %s %s: %v", e.Listener, e.Kind, e.EventID, e.Err)
}

func (e *ListenerError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrListenerFailure}
	}
	return []error{ErrListenerFailure, e.Err}
}

// PublishError reports a publish to one remote topic that the transport
// did not accept.
type PublishError struct {
	Topic   mailbox.Topic
	EventID mailbox.EventID
	Kind    mailbox.Kind
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("mailbus: publish %s %s to %s: %v", e.Kind, e.EventID, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() []error {
	return []error{ErrPublishFailure, e.Err}
}

// Retryable reports whether the transport failure looked transient.
// A closed transport will not recover.
func (e *PublishError) Retryable() bool {
	return !errors.Is(e.Err, transport.ErrClosed)
}

// FanoutError summarizes the remote fan-out of one event in which at least
// one topic failed. Use the helper methods to decide on follow-up.
type FanoutError struct {
	// EventID identifies the event.
	EventID mailbox.EventID
	// Path is the event's routing path.
	Path mailbox.Path
	// DeliveredTo lists topics that accepted the payload.
	DeliveredTo []mailbox.Topic
	// Failed maps topics to their *PublishError.
	Failed map[mailbox.Topic]error
}

func (e *FanoutError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "mailbus: fan-out of %s on %s - %d delivered, %d failed",
		e.EventID, e.Path, len(e.DeliveredTo), len(e.Failed))
	if len(e.Failed) > 0 {
		sb.WriteString(" (failed: ")
		const maxShown = 5
		for i, topic := range e.FailedTopics() {
			if i > 0 {
				sb.WriteString(", ")
			}
			if i >= maxShown {
				fmt.Fprintf(&sb, "...and %d more", len(e.Failed)-maxShown)
				break
			}
			sb.WriteString(string(topic))
		}
		sb.WriteString(")")
	}
	return sb.String()
}

// Unwrap returns the per-topic errors.
func (e *FanoutError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, topic := range e.FailedTopics() {
		errs = append(errs, e.Failed[topic])
	}
	return errs
}

// FailedTopics returns the failed topics in ascending order.
func (e *FanoutError) FailedTopics() []mailbox.Topic {
	topics := make([]mailbox.Topic, 0, len(e.Failed))
	for topic := range e.Failed {
		topics = append(topics, topic)
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i] < topics[j] })
	return topics
}

// RetryableTopics returns the failed topics whose error looked transient.
func (e *FanoutError) RetryableTopics() []mailbox.Topic {
	var out []mailbox.Topic
	for _, topic := range e.FailedTopics() {
		if IsRetryableError(e.Failed[topic]) {
			out = append(out, topic)
		}
	}
	return out
}

// AllFailed returns true if no remote topic received the event.
func (e *FanoutError) AllFailed() bool {
	return len(e.DeliveredTo) == 0
}

// SuccessRate returns the fraction of topics that accepted the event (0.0 to 1.0).
func (e *FanoutError) SuccessRate() float64 {
	total := len(e.DeliveredTo) + len(e.Failed)
	if total == 0 {
		return 0
	}
	return float64(len(e.DeliveredTo)) / float64(total)
}

// RegistrationError is returned by AddListener and RemoveListener when the
// lease bookkeeping failed, and reported for failed renewals and
// unregistrations during housekeeping or shutdown.
type RegistrationError struct {
	// Op is "register", "unregister" or "renew".
	Op    string
	Path  mailbox.Path
	Topic mailbox.Topic
	Err   error
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("mailbus: %s %s for %s: %v", e.Op, e.Topic, e.Path, e.Err)
}

func (e *RegistrationError) Unwrap() []error {
	if registry.IsUnavailable(e.Err) {
		return []error{ErrRegistryUnavailable, e.Err}
	}
	return []error{e.Err}
}

// Retryable reports whether the registry failure was transient.
func (e *RegistrationError) Retryable() bool {
	return registry.IsUnavailable(e.Err)
}

// InboundError reports a payload received on the dispatcher's topic that
// could not be turned into a valid event. It is never retried.
type InboundError struct {
	Topic mailbox.Topic
	Size  int
	Err   error
}

func (e *InboundError) Error() string {
	return fmt.Sprintf("mailbus: discarded %d byte payload on %s: %v", e.Size, e.Topic, e.Err)
}

func (e *InboundError) Unwrap() []error {
	if codec.IsMalformed(e.Err) {
		return []error{ErrMalformedEvent, e.Err}
	}
	return []error{e.Err}
}

// Retryable always returns false: redelivering the same bytes cannot succeed.
func (e *InboundError) Retryable() bool {
	return false
}

// IsRetryableError determines if an error is retryable.
// Returns true for transient registry and transport failures, false for
// configuration, validation and malformed-payload errors.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	permanentErrors := []error{
		ErrInvalidConfig,
		ErrRegistryRequired,
		ErrTransportRequired,
		ErrNilListener,
		ErrListenerNotFound,
		ErrClosed,
		mailbox.ErrInvalidPath,
		codec.ErrMalformedEvent,
		codec.ErrInvalidEvent,
		registry.ErrInvalidTTL,
		registry.ErrInvalidTopic,
		transport.ErrClosed,
		transport.ErrInvalidTopic,
	}
	for _, permErr := range permanentErrors {
		if errors.Is(err, permErr) {
			return false
		}
	}

	retryableErrors := []error{
		registry.ErrUnavailable,
		registry.ErrNotConnected,
		ErrNotStarted,
	}
	for _, retryErr := range retryableErrors {
		if errors.Is(err, retryErr) {
			return true
		}
	}

	var retryable interface{ Retryable() bool }
	if errors.As(err, &retryable) {
		return retryable.Retryable()
	}

	// Unknown transport errors are usually network trouble.
	return true
}

// IsFanoutError checks if the error is a fan-out summary and returns details.
func IsFanoutError(err error) (*FanoutError, bool) {
	var fe *FanoutError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
