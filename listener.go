package mailbus

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rbaliyan/mailbus/mailbox"
)

// Listener reacts to mailbox events.
//
// Listeners are invoked synchronously on the goroutine that raised or
// received the event and must return quickly. An error or a panic is
// reported to the ErrorHandler and does not affect other listeners.
type Listener interface {
	OnEvent(ctx context.Context, e mailbox.Event) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, e mailbox.Event) error

// OnEvent calls f(ctx, e).
func (f ListenerFunc) OnEvent(ctx context.Context, e mailbox.Event) error {
	return f(ctx, e)
}

// ListenerType says which events a listener receives.
type ListenerType int

const (
	// PathScoped listeners receive every event for one mailbox path,
	// whichever node raised it.
	PathScoped ListenerType = iota
	// GlobalOnce listeners receive every event raised on their own
	// dispatcher, and nothing received from other nodes, so each event
	// reaches them exactly once across the cluster.
	GlobalOnce
)

func (t ListenerType) String() string {
	switch t {
	case PathScoped:
		return "path_scoped"
	case GlobalOnce:
		return "global_once"
	default:
		return fmt.Sprintf("ListenerType(%d)", int(t))
	}
}

// listenerEntry is one registration. Entries are compared by pointer, so
// the same listener may be registered more than once.
type listenerEntry struct {
	listener Listener
	name     string
	typ      ListenerType
	path     mailbox.Path // guarded by Dispatcher.regMu
}

func newListenerEntry(l Listener, typ ListenerType, path mailbox.Path) *listenerEntry {
	return &listenerEntry{listener: l, name: listenerName(l), typ: typ, path: path}
}

// listenerName returns Name() if the listener has one, else its type.
func listenerName(l Listener) string {
	if n, ok := l.(interface{ Name() string }); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", l)
}

// sameListener reports whether a and b are the same listener value.
// Listeners whose values are not comparable, such as ListenerFunc or a
// struct holding a func in an interface field, never match; remove them
// through their Registration.
func sameListener(a, b Listener) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) {
		return false
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if !va.IsValid() || !va.Comparable() || !vb.Comparable() {
		return false
	}
	return a == b
}

// Registration is the handle returned when a listener is added.
type Registration struct {
	d     *Dispatcher
	entry *listenerEntry
}

// Type returns the listener type.
func (r *Registration) Type() ListenerType {
	return r.entry.typ
}

// Path returns the path the listener is currently registered on. It follows
// mailbox renames. Global listeners return the zero path.
func (r *Registration) Path() mailbox.Path {
	r.d.regMu.Lock()
	defer r.d.regMu.Unlock()
	return r.entry.path
}

// Remove removes the listener. For the last path-scoped listener of a path
// it also unregisters this node's lease. Removing twice returns
// ErrListenerNotFound.
func (r *Registration) Remove(ctx context.Context) error {
	return r.d.removeEntry(ctx, r.entry)
}

// listenerTable is an immutable snapshot of the registrations. Writers
// replace it under Dispatcher.regMu; readers load it without locking.
type listenerTable struct {
	paths  map[mailbox.Path][]*listenerEntry
	global []*listenerEntry
}

func emptyListenerTable() *listenerTable {
	return &listenerTable{paths: make(map[mailbox.Path][]*listenerEntry)}
}

// clone returns a copy whose map can be modified. Slices are shared and
// must be replaced, never appended to in place.
func (t *listenerTable) clone() *listenerTable {
	c := &listenerTable{
		paths:  make(map[mailbox.Path][]*listenerEntry, len(t.paths)),
		global: t.global,
	}
	for p, entries := range t.paths {
		c.paths[p] = entries
	}
	return c
}

// leasedPaths returns the paths this node holds leases for.
func (t *listenerTable) leasedPaths() []mailbox.Path {
	paths := make([]mailbox.Path, 0, len(t.paths))
	for p := range t.paths {
		paths = append(paths, p)
	}
	return paths
}

func (t *listenerTable) tracks(path mailbox.Path) bool {
	return len(t.paths[path]) > 0
}

func appendEntry(entries []*listenerEntry, e ...*listenerEntry) []*listenerEntry {
	out := make([]*listenerEntry, 0, len(entries)+len(e))
	out = append(out, entries...)
	return append(out, e...)
}

func removeEntry(entries []*listenerEntry, e *listenerEntry) ([]*listenerEntry, bool) {
	for i, candidate := range entries {
		if candidate == e {
			out := make([]*listenerEntry, 0, len(entries)-1)
			out = append(out, entries[:i]...)
			return append(out, entries[i+1:]...), true
		}
	}
	return entries, false
}
