package mailbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/registry"
	memregistry "github.com/rbaliyan/mailbus/registry/memory"
	"github.com/rbaliyan/mailbus/registry/registrytest"
	"github.com/rbaliyan/mailbus/transport"
	memtransport "github.com/rbaliyan/mailbus/transport/memory"
)

var (
	inbox   = mailbox.PrivatePath("alice", "INBOX")
	archive = mailbox.PrivatePath("alice", "Archive")
	bobBox  = mailbox.PrivatePath("bob", "INBOX")
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder is a comparable listener that records what it sees.
type recorder struct {
	name string

	mu     sync.Mutex
	events []mailbox.Event
	err    error
}

func newRecorder(name string) *recorder {
	return &recorder{name: name}
}

func (r *recorder) Name() string { return r.name }

func (r *recorder) OnEvent(_ context.Context, e mailbox.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) last() mailbox.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

// errorSink collects reports from WithErrorHandler.
type errorSink struct {
	mu   sync.Mutex
	ops  []string
	errs []error
}

func (s *errorSink) handle(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops = append(s.ops, op)
	s.errs = append(s.errs, err)
}

func (s *errorSink) byOp(op string) []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []error
	for i, o := range s.ops {
		if o == op {
			out = append(out, s.errs[i])
		}
	}
	return out
}

func (s *errorSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.errs)
}

// cluster is a set of dispatchers sharing one registry and one hub, as
// separate nodes would share a store and a broker.
type cluster struct {
	clock    *registrytest.FakeClock
	registry *memregistry.Registry
	hub      *memtransport.Hub
	nodes    []*Dispatcher
	sinks    []*errorSink
}

func newCluster(t *testing.T, n int, opts ...Option) *cluster {
	t.Helper()
	clock := registrytest.NewFakeClock(registrytest.Epoch)
	reg := memregistry.New(memregistry.WithClock(clock.Now), memregistry.WithLogger(discardLogger()))
	if err := reg.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	c := &cluster{clock: clock, registry: reg, hub: memtransport.NewHub()}
	for i := 0; i < n; i++ {
		c.addNode(t, reg, c.hub, opts...)
	}
	return c
}

func (c *cluster) addNode(t *testing.T, reg registry.Registry, tr transport.Transport, opts ...Option) *Dispatcher {
	t.Helper()
	sink := &errorSink{}
	defaults := []Option{
		WithRegistry(reg),
		WithTransport(tr),
		WithTopic(mailbox.Topic(fmt.Sprintf("node-%d", len(c.nodes)+1))),
		WithLogger(discardLogger()),
		WithErrorHandler(sink.handle),
		WithShutdownTimeout(2 * time.Second),
	}
	d, err := New(append(defaults, opts...)...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	c.nodes = append(c.nodes, d)
	c.sinks = append(c.sinks, sink)
	return d
}

// dispatch raises e on node i and waits for its fan-out to finish. The
// memory hub delivers synchronously, so remote listeners have run too.
func (c *cluster) dispatch(t *testing.T, i int, e mailbox.Event) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.nodes[i].Dispatch(ctx, e); err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if err := c.nodes[i].Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
}

func (c *cluster) listen(t *testing.T, i int, path mailbox.Path, l Listener) *Registration {
	t.Helper()
	r, err := c.nodes[i].AddListener(context.Background(), path, l)
	if err != nil {
		t.Fatalf("AddListener failed: %v", err)
	}
	return r
}

func (c *cluster) topics(t *testing.T, path mailbox.Path) []mailbox.Topic {
	t.Helper()
	topics, err := c.registry.Topics(context.Background(), path)
	if err != nil {
		t.Fatalf("Topics failed: %v", err)
	}
	return topics
}

func hasTopic(topics []mailbox.Topic, topic mailbox.Topic) bool {
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

func base(user string) mailbox.Base {
	return mailbox.Base{ID: mailbox.NewEventID(), Session: 42, Username: user}
}

func target(path mailbox.Path) mailbox.Target {
	return mailbox.Target{MailboxID: mailbox.NewUUIDID(), MailboxPath: path}
}

func added(path mailbox.Path) *mailbox.Added {
	return &mailbox.Added{
		Base:   base(path.User),
		Target: target(path),
		Messages: []mailbox.MessageMetadata{{
			UID:          1,
			ModSeq:       10,
			Size:         2048,
			InternalDate: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			Flags:        mailbox.NewFlags(mailbox.FlagRecent),
			MessageID:    mailbox.NewUUIDID(),
		}},
	}
}

func deleted(path mailbox.Path) *mailbox.MailboxDeleted {
	return &mailbox.MailboxDeleted{
		Base:                base(path.User),
		Target:              target(path),
		QuotaRoot:           "#private&" + path.User,
		DeletedMessageCount: 3,
		TotalDeletedSize:    4096,
	}
}

func renamed(from, to mailbox.Path) *mailbox.MailboxRenamed {
	return &mailbox.MailboxRenamed{Base: base(from.User), Target: target(from), NewPath: to}
}

func quotaUpdated(user string) *mailbox.QuotaUsageUpdated {
	return &mailbox.QuotaUsageUpdated{
		Base:      base(user),
		QuotaRoot: "#private&" + user,
		Count:     mailbox.QuotaUsage{Used: 12, Limit: 1000},
		Size:      mailbox.QuotaUsage{Used: 4096, Limit: -1},
		Instant:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// flakyRegistry injects failures into a registry.
type flakyRegistry struct {
	registry.Registry

	mu             sync.Mutex
	registerErr    error
	registerFails  int // remaining failures; -1 means always
	unregisterErr  error
	topicsErr      error
	registerCalls  int
}

func (f *flakyRegistry) failRegister(err error, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerErr, f.registerFails = err, times
}

func (f *flakyRegistry) failTopics(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topicsErr = err
}

func (f *flakyRegistry) failUnregister(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unregisterErr = err
}

func (f *flakyRegistry) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls
}

func (f *flakyRegistry) Register(ctx context.Context, path mailbox.Path, topic mailbox.Topic, ttl time.Duration) error {
	f.mu.Lock()
	f.registerCalls++
	if f.registerErr != nil && f.registerFails != 0 {
		if f.registerFails > 0 {
			f.registerFails--
		}
		err := f.registerErr
		f.mu.Unlock()
		return err
	}
	f.mu.Unlock()
	return f.Registry.Register(ctx, path, topic, ttl)
}

func (f *flakyRegistry) Unregister(ctx context.Context, path mailbox.Path, topic mailbox.Topic) error {
	f.mu.Lock()
	err := f.unregisterErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Registry.Unregister(ctx, path, topic)
}

func (f *flakyRegistry) Topics(ctx context.Context, path mailbox.Path) ([]mailbox.Topic, error) {
	f.mu.Lock()
	err := f.topicsErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Registry.Topics(ctx, path)
}

// failingTransport rejects publishes to selected topics.
type failingTransport struct {
	transport.Transport

	mu   sync.Mutex
	fail map[mailbox.Topic]error
}

func (f *failingTransport) rejectTopic(topic mailbox.Topic, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail == nil {
		f.fail = make(map[mailbox.Topic]error)
	}
	f.fail[topic] = err
}

func (f *failingTransport) Publish(ctx context.Context, topic mailbox.Topic, payload []byte) error {
	f.mu.Lock()
	err := f.fail[topic]
	f.mu.Unlock()
	if err != nil {
		return err
	}
	return f.Transport.Publish(ctx, topic, payload)
}

// gatedTransport holds Subscribe until release is closed.
type gatedTransport struct {
	transport.Transport

	entered chan struct{}
	release chan struct{}
}

func newGatedTransport(tr transport.Transport) *gatedTransport {
	return &gatedTransport{Transport: tr, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedTransport) Subscribe(ctx context.Context, topic mailbox.Topic, h transport.Handler) (transport.Subscription, error) {
	close(g.entered)
	<-g.release
	return g.Transport.Subscribe(ctx, topic, h)
}

var errBrokerDown = errors.New("broker down")

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out: %s", msg)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
