package mailbus

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"

	"github.com/rbaliyan/mailbus/mailbox"
)

// handleInbound is the transport handler for this dispatcher's topic.
// Received events reach path-scoped listeners only: global listeners
// already ran on the node that raised the event.
func (d *Dispatcher) handleInbound(ctx context.Context, payload []byte) {
	if atomic.LoadInt32(&d.state) == stateClosed {
		return
	}

	ctx, endSpan := d.otel.startSpan(ctx, "mailbus.inbound",
		attribute.String("mailbus.topic", string(d.topic)),
		attribute.Int("mailbus.payload_size", len(payload)),
	)

	e, err := d.serializer.Deserialize(payload)
	if err == nil {
		err = ValidateEvent(e)
	}
	if err != nil {
		ierr := &InboundError{Topic: d.topic, Size: len(payload), Err: err}
		d.stats.malformed.Add(1)
		d.otel.recordInbound(ctx, "", true, 0)
		d.logger.Error("discarding inbound payload", "size", len(payload), "error", err)
		d.opts.safeOnError(OpInbound, ierr)
		endSpan(ierr)
		return
	}

	failures := 0
	if path, ok := e.Path(); ok {
		failures, _ = d.deliver(ctx, d.table.Load().paths[path], e, path)
		d.housekeep(ctx, e)
	}

	d.stats.received.Add(1)
	d.otel.recordInbound(ctx, e.Kind(), false, failures)
	d.logger.Debug("inbound event delivered",
		"event_id", string(e.EventID()),
		"kind", string(e.Kind()),
		"failures", failures)
	endSpan(nil)
}

// housekeep keeps local registrations in step with mailbox lifecycle
// events, after their listeners have run. A deleted mailbox loses its
// listeners and lease; a renamed mailbox takes its listeners and lease to
// the new path. Lease failures are reported, never returned.
func (d *Dispatcher) housekeep(ctx context.Context, e mailbox.Event) {
	switch v := e.(type) {
	case *mailbox.MailboxDeleted:
		d.dropPath(ctx, v.MailboxPath)
	case *mailbox.MailboxRenamed:
		d.movePath(ctx, v.MailboxPath, v.NewPath)
	}
}

func (d *Dispatcher) dropPath(ctx context.Context, path mailbox.Path) {
	d.regMu.Lock()
	defer d.regMu.Unlock()

	t := d.table.Load()
	if !t.tracks(path) {
		return
	}
	t = t.clone()
	dropped := len(t.paths[path])
	delete(t.paths, path)
	d.table.Store(t)
	d.logger.Debug("mailbox deleted, listeners dropped", "path", path.String(), "listeners", dropped)

	if atomic.LoadInt32(&d.state) != stateStarted {
		return
	}
	if err := d.registry.Unregister(ctx, path, d.topic); err != nil {
		d.otel.recordRegistryError(ctx, "unregister")
		d.opts.safeOnError(OpUnregister, &RegistrationError{Op: "unregister", Path: path, Topic: d.topic, Err: err})
	}
}

func (d *Dispatcher) movePath(ctx context.Context, from, to mailbox.Path) {
	if from == to || to.Validate() != nil {
		return
	}

	d.regMu.Lock()
	defer d.regMu.Unlock()

	t := d.table.Load()
	if !t.tracks(from) {
		return
	}
	t = t.clone()
	moved := t.paths[from]
	for _, entry := range moved {
		entry.path = to
	}
	t.paths[to] = appendEntry(t.paths[to], moved...)
	delete(t.paths, from)
	d.table.Store(t)
	d.logger.Debug("mailbox renamed, listeners moved",
		"from", from.String(), "to", to.String(), "listeners", len(moved))

	if atomic.LoadInt32(&d.state) != stateStarted {
		return
	}
	// A failed register is retried by the next renewal tick.
	if err := d.registry.Register(ctx, to, d.topic, d.opts.leaseTTL); err != nil {
		d.otel.recordRegistryError(ctx, "register")
		d.opts.safeOnError(OpRegister, &RegistrationError{Op: "register", Path: to, Topic: d.topic, Err: err})
	}
	if err := d.registry.Unregister(ctx, from, d.topic); err != nil {
		d.otel.recordRegistryError(ctx, "unregister")
		d.opts.safeOnError(OpUnregister, &RegistrationError{Op: "unregister", Path: from, Topic: d.topic, Err: err})
	}
}
