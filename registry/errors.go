package registry

import (
	"errors"
	"fmt"
)

// Sentinel errors for the registry package.
var (
	// ErrUnavailable is returned when the backing store could not be reached
	// or failed transiently. Callers may retry.
	ErrUnavailable = errors.New("registry: unavailable")

	// ErrNotConnected is returned when operations are attempted before Connect().
	ErrNotConnected = errors.New("registry: not connected")

	// ErrAlreadyConnected is returned when Connect() is called twice.
	ErrAlreadyConnected = errors.New("registry: already connected")

	// ErrInvalidTTL is returned for a non-positive lease duration.
	ErrInvalidTTL = errors.New("registry: invalid ttl")

	// ErrInvalidTopic is returned for an empty topic.
	ErrInvalidTopic = errors.New("registry: invalid topic")
)

// OpError reports a failed backing-store operation.
type OpError struct {
	// Backend names the implementation, e.g. "redis".
	Backend string
	// Op is the failed operation, e.g. "register".
	Op string
	// Err is the driver error.
	Err error
	// Permanent marks errors that will not go away on retry, such as a
	// missing table or a rejected query.
	Permanent bool
}

func (e *OpError) Error() string {
	return fmt.Sprintf("registry: %s %s: %v", e.Backend, e.Op, e.Err)
}

// Unwrap exposes ErrUnavailable (for transient failures) and the driver error.
func (e *OpError) Unwrap() []error {
	if e.Permanent {
		return []error{e.Err}
	}
	return []error{ErrUnavailable, e.Err}
}

// Retryable reports whether retrying the operation may succeed.
func (e *OpError) Retryable() bool {
	return !e.Permanent
}

// Unavailable wraps a transient driver error.
func Unavailable(backend, op string, err error) error {
	return &OpError{Backend: backend, Op: op, Err: err}
}

// Failed wraps a permanent driver error.
func Failed(backend, op string, err error) error {
	return &OpError{Backend: backend, Op: op, Err: err, Permanent: true}
}

// IsUnavailable reports whether err is a transient backing-store failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}
