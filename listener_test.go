package mailbus

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/mailbus/mailbox"
)

func TestListenerTypeString(t *testing.T) {
	tests := []struct {
		typ  ListenerType
		want string
	}{
		{PathScoped, "path_scoped"},
		{GlobalOnce, "global_once"},
		{ListenerType(7), "ListenerType(7)"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("expected %s, got %s", tt.want, got)
		}
	}
}

func TestListenerName(t *testing.T) {
	if got := listenerName(newRecorder("idle-session")); got != "idle-session" {
		t.Errorf("expected idle-session, got %s", got)
	}
	fn := ListenerFunc(func(context.Context, mailbox.Event) error { return nil })
	if got := listenerName(fn); got != "mailbus.ListenerFunc" {
		t.Errorf("expected mailbus.ListenerFunc, got %s", got)
	}
}

func TestSameListener(t *testing.T) {
	a := newRecorder("a")
	b := newRecorder("a")
	fn := ListenerFunc(func(context.Context, mailbox.Event) error { return nil })

	if !sameListener(a, a) {
		t.Error("expected a listener to match itself")
	}
	if sameListener(a, b) {
		t.Error("expected distinct pointers not to match")
	}
	if sameListener(fn, fn) {
		t.Error("expected function listeners never to match")
	}
	if sameListener(a, fn) {
		t.Error("expected different types not to match")
	}
}

// hookListener is comparable by type but holds a func in an interface field.
type hookListener struct {
	hook any
}

func (hookListener) OnEvent(context.Context, mailbox.Event) error { return nil }

func TestSameListenerWithUncomparableField(t *testing.T) {
	a := hookListener{hook: func() {}}
	b := hookListener{hook: func() {}}
	if sameListener(a, b) || sameListener(a, a) {
		t.Error("expected listeners holding funcs never to match")
	}
	if !sameListener(hookListener{hook: "x"}, hookListener{hook: "x"}) {
		t.Error("expected equal comparable values to match")
	}
}

func TestRemoveListenerWithUncomparableField(t *testing.T) {
	c := newCluster(t, 1)
	l := hookListener{hook: func() {}}
	c.listen(t, 0, inbox, l)

	err := c.nodes[0].RemoveListener(context.Background(), inbox, l)
	if !errors.Is(err, ErrListenerNotFound) {
		t.Errorf("expected ErrListenerNotFound, got %v", err)
	}
	if _, err := c.nodes[0].AddGlobalListener(l); err != nil {
		t.Fatalf("AddGlobalListener failed: %v", err)
	}
	if err := c.nodes[0].RemoveGlobalListener(l); !errors.Is(err, ErrListenerNotFound) {
		t.Errorf("expected ErrListenerNotFound, got %v", err)
	}
}

func TestListenerTableCopyOnWrite(t *testing.T) {
	t1 := emptyListenerTable()
	e1 := newListenerEntry(newRecorder("a"), PathScoped, inbox)
	t1.paths[inbox] = appendEntry(nil, e1)

	t2 := t1.clone()
	e2 := newListenerEntry(newRecorder("b"), PathScoped, inbox)
	t2.paths[inbox] = appendEntry(t2.paths[inbox], e2)
	t2.paths[archive] = appendEntry(nil, e2)

	if len(t1.paths[inbox]) != 1 || t1.tracks(archive) {
		t.Errorf("expected original snapshot to be unchanged, got %d entries", len(t1.paths[inbox]))
	}
	if len(t2.paths[inbox]) != 2 || len(t2.leasedPaths()) != 2 {
		t.Errorf("expected clone to hold both entries on two paths")
	}

	remaining, ok := removeEntry(t2.paths[inbox], e1)
	if !ok || len(remaining) != 1 || remaining[0] != e2 {
		t.Errorf("expected e2 to remain, got %v", remaining)
	}
	if t2.paths[inbox][0] != e1 {
		t.Error("expected removeEntry not to modify its input")
	}
	if _, ok := removeEntry(remaining, e1); ok {
		t.Error("expected removing an absent entry to fail")
	}
}
