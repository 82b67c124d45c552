// Package mailbox defines the data model shared by the event bus: mailbox
// paths, subscriber topics, backend-neutral identifiers, message flags and
// the closed set of mailbox events.
//
// Nothing in this package performs I/O. Storage engines supply concrete
// identifier implementations through [IDFactory] and [MessageIDFactory];
// the bus only ever parses identifiers through those factories.
package mailbox

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// NamespacePrivate is the namespace of personal mailboxes.
const NamespacePrivate = "#private"

// ErrInvalidPath is returned when a path is missing its name or cannot be parsed.
var ErrInvalidPath = errors.New("mailbox: invalid path")

// Path identifies a mailbox: the unit of subscription on the bus.
//
// Path is an immutable value. A rename produces a new Path carried by a
// [MailboxRenamed] event; the old value is never mutated.
type Path struct {
	Namespace string
	User      string
	Name      string
}

// NewPath returns a path in the given namespace.
func NewPath(namespace, user, name string) Path {
	return Path{Namespace: namespace, User: user, Name: name}
}

// PrivatePath returns a path in the private namespace of user.
func PrivatePath(user, name string) Path {
	return Path{Namespace: NamespacePrivate, User: user, Name: name}
}

// IsZero reports whether p is the zero path.
func (p Path) IsZero() bool {
	return p == Path{}
}

// Validate checks that the path names a mailbox.
func (p Path) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidPath)
	}
	if p.Namespace == "" {
		return fmt.Errorf("%w: empty namespace", ErrInvalidPath)
	}
	return nil
}

// String returns a human readable form, e.g. "#private:alice:INBOX".
// Use [Path.Key] when an unambiguous encoding is needed.
func (p Path) String() string {
	return p.Namespace + ":" + p.User + ":" + p.Name
}

// Key returns an unambiguous, reversible encoding of the path suitable for
// use as a key in an external store. Each segment is query-escaped so the
// ':' separator never appears inside a segment.
func (p Path) Key() string {
	return url.QueryEscape(p.Namespace) + ":" + url.QueryEscape(p.User) + ":" + url.QueryEscape(p.Name)
}

// ParseKey reverses [Path.Key].
func ParseKey(key string) (Path, error) {
	parts := strings.Split(key, ":")
	if len(parts) != 3 {
		return Path{}, fmt.Errorf("%w: key %q", ErrInvalidPath, key)
	}
	var segs [3]string
	for i, part := range parts {
		s, err := url.QueryUnescape(part)
		if err != nil {
			return Path{}, fmt.Errorf("%w: key %q: %v", ErrInvalidPath, key, err)
		}
		segs[i] = s
	}
	return Path{Namespace: segs[0], User: segs[1], Name: segs[2]}, nil
}
