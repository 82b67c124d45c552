package mailbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/semaphore"

	"github.com/rbaliyan/event/v3"

	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/registry"
	redisregistry "github.com/rbaliyan/mailbus/registry/redis"
	"github.com/rbaliyan/mailbus/transport"
	redistransport "github.com/rbaliyan/mailbus/transport/redis"
)

// Dispatcher states.
const (
	stateNew int32 = iota
	stateStarting
	stateStarted
	stateClosed
)

// Dispatcher delivers mailbox events to local listeners and delegates them
// to the other nodes interested in the same mailbox.
//
// Each node runs one Dispatcher with its own topic. Path-scoped listeners
// are advertised through leases in the shared registry; raising an event
// invokes the local listeners and publishes the event to every other topic
// holding a live lease on the event's path. Events received from other
// nodes reach path-scoped listeners only.
//
// A Dispatcher is safe for concurrent use.
type Dispatcher struct {
	opts       *options
	logger     *slog.Logger
	otel       *otelInstrumentation
	topic      mailbox.Topic
	registry   registry.Registry
	transport  transport.Transport
	serializer *codec.Serializer
	plugins    *pluginRegistry
	bridge     *eventBridge

	// owned holds resources built from WithRedisClient, closed by Close.
	ownedRegistry  *redisregistry.Registry
	ownedTransport *redistransport.Transport

	state int32
	// lifeMu serializes Start and Close.
	lifeMu sync.Mutex

	// regMu serializes listener table writes and the lease calls they make.
	regMu sync.Mutex
	table atomic.Pointer[listenerTable]

	sub transport.Subscription

	// Fan-out
	publishSem *semaphore.Weighted
	flights    *inflight
	baseCtx    context.Context
	cancel     context.CancelFunc

	// Renewal
	stopRenew chan struct{}
	renewDone chan struct{}

	stats counters
}

// New creates a dispatcher. It validates the configuration and performs no I/O.
func New(opts ...Option) (*Dispatcher, error) {
	o := newOptions(opts...)
	if err := o.validate(); err != nil {
		return nil, err
	}

	otelInst, err := newOtelInstrumentation(o)
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	topic := o.topic
	if topic.IsZero() {
		topic = mailbox.NewTopic()
	}

	d := &Dispatcher{
		opts:       o,
		logger:     o.logger.With("topic", string(topic)),
		otel:       otelInst,
		topic:      topic,
		registry:   o.registry,
		transport:  o.transport,
		serializer: o.serializer,
		plugins:    newPluginRegistry(o.logger),
		publishSem: semaphore.NewWeighted(int64(o.maxConcurrentPublishes)),
		flights:    newInflight(),
	}
	d.table.Store(emptyListenerTable())
	d.baseCtx, d.cancel = context.WithCancel(context.Background())

	if d.registry == nil {
		d.ownedRegistry = redisregistry.New(o.redisClient, redisregistry.WithLogger(o.logger))
		d.registry = d.ownedRegistry
	}
	if d.transport == nil {
		d.ownedTransport = redistransport.New(o.redisClient, redistransport.WithLogger(o.logger))
		d.transport = d.ownedTransport
	}
	if d.serializer == nil {
		d.serializer = codec.New(o.mailboxIDs, o.messageIDs, codec.WithFormat(o.format))
	}

	if o.eventBridge {
		d.bridge = newEventBridge(o, topic)
		d.plugins.register(d.bridge)
	}
	for _, p := range o.plugins {
		d.plugins.register(p)
	}

	if o.renewalInterval > o.leaseTTL/2 {
		d.logger.Warn("renewal interval leaves no margin for a missed tick",
			"renewal_interval", o.renewalInterval, "lease_ttl", o.leaseTTL)
	}
	return d, nil
}

// Topic returns the topic this dispatcher subscribes to.
func (d *Dispatcher) Topic() mailbox.Topic {
	return d.topic
}

// Events returns the bridged event, or nil if the event bridge is disabled
// or the dispatcher has not started.
//
//	d.Events().Subscribe(ctx, handler)
func (d *Dispatcher) Events() event.Event[EventRecord] {
	if d.bridge == nil {
		return nil
	}
	return d.bridge.ev
}

// Start connects owned backends, subscribes to the dispatcher's topic,
// initializes plugins and starts the renewal timer.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if !atomic.CompareAndSwapInt32(&d.state, stateNew, stateStarting) {
		if atomic.LoadInt32(&d.state) == stateClosed {
			return ErrClosed
		}
		return ErrAlreadyStarted
	}

	success := false
	var cleanup []func()
	defer func() {
		if success {
			atomic.StoreInt32(&d.state, stateStarted)
			return
		}
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
		atomic.StoreInt32(&d.state, stateNew)
	}()

	if d.ownedRegistry != nil {
		if err := d.ownedRegistry.Connect(ctx); err != nil {
			return fmt.Errorf("connect registry: %w", err)
		}
		cleanup = append(cleanup, func() { _ = d.ownedRegistry.Close(context.Background()) })
	}

	sub, err := d.transport.Subscribe(ctx, d.topic, d.handleInbound)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", d.topic, err)
	}
	d.sub = sub
	cleanup = append(cleanup, func() { _ = sub.Unsubscribe(context.Background()) })

	if err := d.plugins.initAll(ctx); err != nil {
		return fmt.Errorf("init plugins: %w", err)
	}
	for _, p := range d.plugins.listeners {
		d.addGlobal(p)
	}

	d.stopRenew = make(chan struct{})
	d.renewDone = make(chan struct{})
	go d.runRenewal()

	success = true
	d.logger.Info("mailbus dispatcher started",
		"lease_ttl", d.opts.leaseTTL,
		"renewal_interval", d.opts.renewalInterval,
		"format", d.serializer.Format().Name())
	return nil
}

// checkStarted returns nil if the dispatcher accepts work.
func (d *Dispatcher) checkStarted() error {
	switch atomic.LoadInt32(&d.state) {
	case stateStarted:
		return nil
	case stateClosed:
		return ErrClosed
	default:
		return ErrNotStarted
	}
}

// AddListener registers l for events on path and writes this node's lease
// for the path. If the lease cannot be written the listener is not added
// and a *RegistrationError is returned; the call can be retried.
func (d *Dispatcher) AddListener(ctx context.Context, path mailbox.Path, l Listener) (*Registration, error) {
	if l == nil {
		return nil, ErrNilListener
	}
	if err := path.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	if err := d.checkStarted(); err != nil {
		return nil, err
	}

	d.regMu.Lock()
	defer d.regMu.Unlock()

	// Close may have unregistered every lease while we waited.
	if err := d.checkStarted(); err != nil {
		return nil, err
	}
	if err := d.registry.Register(ctx, path, d.topic, d.opts.leaseTTL); err != nil {
		d.otel.recordRegistryError(ctx, "register")
		return nil, &RegistrationError{Op: "register", Path: path, Topic: d.topic, Err: err}
	}

	entry := newListenerEntry(l, PathScoped, path)
	t := d.table.Load().clone()
	t.paths[path] = appendEntry(t.paths[path], entry)
	d.table.Store(t)

	d.logger.Debug("listener added", "path", path.String(), "listener", entry.name)
	return &Registration{d: d, entry: entry}, nil
}

// AddGlobalListener registers l for every event raised on this dispatcher.
// Global listeners are never advertised to other nodes and never see events
// received from them.
func (d *Dispatcher) AddGlobalListener(l Listener) (*Registration, error) {
	if l == nil {
		return nil, ErrNilListener
	}
	d.regMu.Lock()
	defer d.regMu.Unlock()

	if atomic.LoadInt32(&d.state) == stateClosed {
		return nil, ErrClosed
	}
	return d.addGlobalLocked(l), nil
}

func (d *Dispatcher) addGlobal(l Listener) *Registration {
	d.regMu.Lock()
	defer d.regMu.Unlock()
	return d.addGlobalLocked(l)
}

func (d *Dispatcher) addGlobalLocked(l Listener) *Registration {
	entry := newListenerEntry(l, GlobalOnce, mailbox.Path{})
	t := d.table.Load().clone()
	t.global = appendEntry(t.global, entry)
	d.table.Store(t)
	return &Registration{d: d, entry: entry}
}

// RemoveListener removes the first registration of l on path. When no
// listener remains on the path, this node's lease is unregistered; if that
// fails the listener is still removed, the lease expires on its own and a
// *RegistrationError is returned.
//
// Listeners of uncomparable types, such as ListenerFunc, must be removed
// through their Registration.
func (d *Dispatcher) RemoveListener(ctx context.Context, path mailbox.Path, l Listener) error {
	if l == nil {
		return ErrNilListener
	}
	for _, entry := range d.table.Load().paths[path] {
		if sameListener(entry.listener, l) {
			return d.removeEntry(ctx, entry)
		}
	}
	return ErrListenerNotFound
}

// RemoveGlobalListener removes the first global registration of l.
func (d *Dispatcher) RemoveGlobalListener(l Listener) error {
	if l == nil {
		return ErrNilListener
	}
	for _, entry := range d.table.Load().global {
		if sameListener(entry.listener, l) {
			return d.removeEntry(context.Background(), entry)
		}
	}
	return ErrListenerNotFound
}

func (d *Dispatcher) removeEntry(ctx context.Context, entry *listenerEntry) error {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	t := d.table.Load().clone()
	if entry.typ == GlobalOnce {
		global, ok := removeEntry(t.global, entry)
		if !ok {
			return ErrListenerNotFound
		}
		t.global = global
		d.table.Store(t)
		return nil
	}

	path := entry.path
	remaining, ok := removeEntry(t.paths[path], entry)
	if !ok {
		return ErrListenerNotFound
	}
	if len(remaining) > 0 {
		t.paths[path] = remaining
		d.table.Store(t)
		return nil
	}
	delete(t.paths, path)
	d.table.Store(t)
	d.logger.Debug("last listener removed", "path", path.String())

	if atomic.LoadInt32(&d.state) != stateStarted {
		return nil
	}
	if err := d.registry.Unregister(ctx, path, d.topic); err != nil {
		d.otel.recordRegistryError(ctx, "unregister")
		return &RegistrationError{Op: "unregister", Path: path, Topic: d.topic, Err: err}
	}
	return nil
}

// Dispatch raises e on this node: path-scoped listeners for the event's
// path run first, in registration order, then global listeners, all on the
// calling goroutine. The event is then published in the background to every
// other node holding a live lease on the path.
//
// Listener and publish failures are reported to the ErrorHandler, never
// returned. Dispatch returns an error only if the dispatcher is not running
// or e fails ValidateEvent, in which case no listener runs.
func (d *Dispatcher) Dispatch(ctx context.Context, e mailbox.Event) error {
	if err := ValidateEvent(e); err != nil {
		return err
	}
	if err := d.checkStarted(); err != nil {
		return err
	}

	start := time.Now()
	ctx, endSpan := d.otel.startSpan(ctx, "mailbus.dispatch",
		attribute.String("mailbus.event_id", string(e.EventID())),
		attribute.String("mailbus.kind", string(e.Kind())),
	)

	t := d.table.Load()
	path, routed := e.Path()

	failures, invoked := 0, 0
	if routed {
		f, n := d.deliver(ctx, t.paths[path], e, path)
		failures, invoked = failures+f, invoked+n
	}
	f, n := d.deliver(ctx, t.global, e, path)
	failures, invoked = failures+f, invoked+n

	if routed {
		d.startFanout(ctx, e, path)
		d.housekeep(ctx, e)
	}

	d.stats.dispatched.Add(1)
	d.otel.recordDispatch(ctx, time.Since(start), e.Kind(), invoked, failures)
	endSpan(nil)
	return nil
}

// deliver invokes entries in order and reports failures. It returns the
// number of failed and of invoked listeners.
func (d *Dispatcher) deliver(ctx context.Context, entries []*listenerEntry, e mailbox.Event, path mailbox.Path) (failed, invoked int) {
	for _, entry := range entries {
		invoked++
		if err := d.invoke(ctx, entry, e, path); err != nil {
			failed++
			d.stats.listenerErrors.Add(1)
			d.logger.Error("listener failed",
				"listener", entry.name,
				"type", entry.typ.String(),
				"event_id", string(e.EventID()),
				"kind", string(e.Kind()),
				"error", err)
			d.opts.safeOnError(OpListener, err)
		}
	}
	return failed, invoked
}

// invoke calls one listener, turning an error or a panic into a *ListenerError.
func (d *Dispatcher) invoke(ctx context.Context, entry *listenerEntry, e mailbox.Event, path mailbox.Path) (err error) {
	lerr := &ListenerError{
		Listener: entry.name,
		Type:     entry.typ,
		EventID:  e.EventID(),
		Kind:     e.Kind(),
	}
	if entry.typ == PathScoped {
		lerr.Path = path
	}
	defer func() {
		if r := recover(); r != nil {
			lerr.Panic = r
			lerr.Err = fmt.Errorf("panic: %v", r)
			err = lerr
		}
	}()
	if cbErr := entry.listener.OnEvent(ctx, e); cbErr != nil {
		lerr.Err = cbErr
		return lerr
	}
	return nil
}

// Drain waits until every fan-out started before the call has finished,
// or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	return d.flights.wait(ctx)
}

// Close stops the renewal timer, unsubscribes from the dispatcher's topic,
// waits for in-flight fan-outs, closes plugins and finally unregisters every
// lease this node holds. Unregistration is best effort: failures are
// reported and the leases expire on their own. A Close racing with Start
// waits for Start to return and then shuts the started dispatcher down.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.lifeMu.Lock()
	defer d.lifeMu.Unlock()

	if atomic.CompareAndSwapInt32(&d.state, stateNew, stateClosed) {
		d.cancel()
		return nil
	}
	if !atomic.CompareAndSwapInt32(&d.state, stateStarted, stateClosed) {
		return nil
	}

	var errs []error

	close(d.stopRenew)
	<-d.renewDone

	if err := d.sub.Unsubscribe(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unsubscribe: %w", err))
	}

	// Wait for in-flight fan-outs to complete.
	// No new fan-out can start once the tracker is closed.
	d.flights.close()
	d.logger.Info("waiting for in-flight fan-outs to complete...", "timeout", d.opts.shutdownTimeout)
	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, d.opts.shutdownTimeout)
	defer shutdownCancel()
	if err := d.flights.wait(shutdownCtx); err != nil {
		d.logger.Warn("timeout waiting for in-flight fan-outs, proceeding with shutdown",
			"error", err)
		errs = append(errs, fmt.Errorf("graceful shutdown timeout: %w", err))
	} else {
		d.logger.Info("all in-flight fan-outs completed")
	}
	d.cancel()

	if err := d.plugins.closeAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("close plugins: %w", err))
	}

	unregisterCtx, unregisterCancel := context.WithTimeout(context.WithoutCancel(ctx), d.opts.shutdownTimeout)
	defer unregisterCancel()
	d.unregisterAll(unregisterCtx)

	if d.ownedTransport != nil {
		if err := d.ownedTransport.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if d.ownedRegistry != nil {
		if err := d.ownedRegistry.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close registry: %w", err))
		}
	}

	d.logger.Info("mailbus dispatcher closed")
	return errors.Join(errs...)
}

// unregisterAll drops every path-scoped listener and unregisters its lease.
func (d *Dispatcher) unregisterAll(ctx context.Context) {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	t := d.table.Load()
	d.table.Store(emptyListenerTable())

	for _, path := range t.leasedPaths() {
		if err := d.registry.Unregister(ctx, path, d.topic); err != nil {
			d.otel.recordRegistryError(ctx, "unregister")
			d.logger.Warn("lease left to expire", "path", path.String(), "error", err)
			d.opts.safeOnError(OpUnregister, &RegistrationError{Op: "unregister", Path: path, Topic: d.topic, Err: err})
		}
	}
}
