package codec

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrMalformedEvent is returned when a payload cannot be turned back into
	// an event: corrupt bytes, an unknown variant tag, missing fields, or
	// identifiers the supplied factories reject. Retrying cannot succeed.
	ErrMalformedEvent = errors.New("codec: malformed event")

	// ErrInvalidEvent is returned when an event cannot be serialized because
	// it is nil or lacks a field its variant requires.
	ErrInvalidEvent = errors.New("codec: invalid event")

	// ErrFactoryRequired is returned when no identifier factory is supplied.
	ErrFactoryRequired = errors.New("codec: identifier factory is required")
)

// MalformedEventError describes why a payload was rejected.
type MalformedEventError struct {
	// Type is the variant tag, when it could be read.
	Type string
	// Reason is a short description of the failure.
	Reason string
	// Err is the underlying decode or factory error, if any.
	Err error
}

func (e *MalformedEventError) Error() string {
	msg := "codec: malformed event"
	if e.Type != "" {
		msg += " " + e.Type
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += fmt.Sprintf(": %v", e.Err)
	}
	return msg
}

// Unwrap exposes both ErrMalformedEvent and the cause to errors.Is.
func (e *MalformedEventError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMalformedEvent}
	}
	return []error{ErrMalformedEvent, e.Err}
}

// Retryable reports false: a malformed payload stays malformed.
func (e *MalformedEventError) Retryable() bool {
	return false
}

func malformed(typ, reason string, err error) error {
	return &MalformedEventError{Type: typ, Reason: reason, Err: err}
}

// IsMalformed reports whether err is a malformed event error.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrMalformedEvent)
}
