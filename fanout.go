package mailbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/rbaliyan/mailbus/mailbox"
)

// inflight counts running fan-outs. Unlike a WaitGroup it can be waited on
// while new work is being added, and closed to refuse more.
type inflight struct {
	mu     sync.Mutex
	n      int
	closed bool
	zero   chan struct{} // closed when n drops to zero
}

func newInflight() *inflight {
	f := &inflight{zero: make(chan struct{})}
	close(f.zero)
	return f
}

func (f *inflight) add() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return false
	}
	if f.n == 0 {
		f.zero = make(chan struct{})
	}
	f.n++
	return true
}

func (f *inflight) done() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.zero)
	}
}

func (f *inflight) close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *inflight) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func (f *inflight) wait(ctx context.Context) error {
	f.mu.Lock()
	zero := f.zero
	f.mu.Unlock()
	select {
	case <-zero:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// startFanout publishes e to remote topics on a new goroutine. The goroutine
// keeps the values of ctx, including its span, but not its cancellation: it
// is canceled only when Close gives up waiting.
func (d *Dispatcher) startFanout(ctx context.Context, e mailbox.Event, path mailbox.Path) {
	if !d.flights.add() {
		d.stats.fanoutRejected.Add(1)
		d.opts.safeOnError(OpFanout, fmt.Errorf("%w: event %s on %s", ErrFanoutRejected, e.EventID(), path))
		return
	}

	fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(d.baseCtx, cancel)
	go func() {
		defer d.flights.done()
		defer cancel()
		defer stop()
		d.fanout(fctx, e, path)
	}()
}

// fanout looks up the topics leased on path, serializes e once and publishes
// it to every topic but this dispatcher's own. Each topic is isolated: a
// failure is recorded and the others are still attempted.
func (d *Dispatcher) fanout(ctx context.Context, e mailbox.Event, path mailbox.Path) {
	if err := d.publishSem.Acquire(ctx, 1); err != nil {
		d.stats.fanoutRejected.Add(1)
		d.opts.safeOnError(OpFanout, fmt.Errorf("%w: event %s on %s: %v", ErrFanoutRejected, e.EventID(), path, err))
		return
	}
	defer d.publishSem.Release(1)

	ctx, endSpan := d.otel.startSpan(ctx, "mailbus.fanout",
		attribute.String("mailbus.event_id", string(e.EventID())),
		attribute.String("mailbus.path", path.String()),
	)

	topics, err := d.registry.Topics(ctx, path)
	if err != nil {
		// Local delivery already happened; only the remote copy is lost.
		d.otel.recordRegistryError(ctx, "topics")
		d.stats.lookupErrors.Add(1)
		d.logger.Warn("fan-out degraded: registry lookup failed",
			"path", path.String(), "event_id", string(e.EventID()), "error", err)
		err = fmt.Errorf("mailbus: lookup %s for %s: %w", path, e.EventID(), err)
		d.opts.safeOnError(OpLookup, err)
		endSpan(err)
		return
	}

	remote := make([]mailbox.Topic, 0, len(topics))
	for _, topic := range topics {
		if topic != d.topic {
			remote = append(remote, topic)
		}
	}
	if len(remote) == 0 {
		endSpan(nil)
		return
	}

	payload, err := d.serializer.Serialize(e)
	if err != nil {
		d.logger.Error("cannot serialize event", "event_id", string(e.EventID()), "kind", string(e.Kind()), "error", err)
		d.opts.safeOnError(OpSerialize, err)
		endSpan(err)
		return
	}

	var (
		mu     sync.Mutex
		result = &FanoutError{EventID: e.EventID(), Path: path, Failed: make(map[mailbox.Topic]error)}
	)
	var g errgroup.Group
	g.SetLimit(d.opts.fanoutParallelism)
	for _, topic := range remote {
		g.Go(func() error {
			err := d.publish(ctx, topic, payload, e)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[topic] = err
			} else {
				result.DeliveredTo = append(result.DeliveredTo, topic)
			}
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Debug("event fanned out",
		"event_id", string(e.EventID()),
		"path", path.String(),
		"delivered", len(result.DeliveredTo),
		"failed", len(result.Failed))

	if len(result.Failed) > 0 {
		d.logger.Warn("fan-out partially failed", "event_id", string(e.EventID()), "error", result)
		d.opts.safeOnError(OpPublish, result)
		endSpan(result)
		return
	}
	endSpan(nil)
}

// publish sends payload to one topic within the publish timeout.
func (d *Dispatcher) publish(ctx context.Context, topic mailbox.Topic, payload []byte, e mailbox.Event) error {
	start := time.Now()
	pctx, cancel := context.WithTimeout(ctx, d.opts.publishTimeout)
	defer cancel()

	err := d.transport.Publish(pctx, topic, payload)
	d.otel.recordPublish(ctx, time.Since(start), e.Kind(), err)
	if err != nil {
		d.stats.publishErrors.Add(1)
		return &PublishError{Topic: topic, EventID: e.EventID(), Kind: e.Kind(), Err: err}
	}
	d.stats.published.Add(1)
	return nil
}
