package mailbus

import (
	"sync/atomic"

	"github.com/rbaliyan/mailbus/mailbox"
)

// counters are the dispatcher's running totals.
type counters struct {
	dispatched     atomic.Int64
	received       atomic.Int64
	malformed      atomic.Int64
	listenerErrors atomic.Int64
	published      atomic.Int64
	publishErrors  atomic.Int64
	lookupErrors   atomic.Int64
	fanoutRejected atomic.Int64
	renewals       atomic.Int64
	renewalErrors  atomic.Int64
	renewalSkipped atomic.Int64
}

// Stats is a point-in-time snapshot of a dispatcher.
type Stats struct {
	Topic mailbox.Topic

	PathListeners   int // path-scoped registrations
	GlobalListeners int // global registrations, plugins included
	LeasedPaths     int // paths this node holds a lease for
	InFlightFanouts int

	Dispatched     int64 // events raised on this node
	Received       int64 // events received from other nodes
	Malformed      int64 // received payloads discarded
	ListenerErrors int64
	Published      int64 // successful publishes to remote topics
	PublishErrors  int64
	LookupErrors   int64 // fan-outs skipped because the registry was unavailable
	FanoutRejected int64
	Renewals       int64
	RenewalErrors  int64
	RenewalSkipped int64 // paths not attempted before a tick's deadline
}

// Stats returns a snapshot of the dispatcher's registrations and counters.
func (d *Dispatcher) Stats() Stats {
	t := d.table.Load()
	s := Stats{
		Topic:           d.topic,
		GlobalListeners: len(t.global),
		LeasedPaths:     len(t.paths),
		InFlightFanouts: d.flights.count(),

		Dispatched:     d.stats.dispatched.Load(),
		Received:       d.stats.received.Load(),
		Malformed:      d.stats.malformed.Load(),
		ListenerErrors: d.stats.listenerErrors.Load(),
		Published:      d.stats.published.Load(),
		PublishErrors:  d.stats.publishErrors.Load(),
		LookupErrors:   d.stats.lookupErrors.Load(),
		FanoutRejected: d.stats.fanoutRejected.Load(),
		Renewals:       d.stats.renewals.Load(),
		RenewalErrors:  d.stats.renewalErrors.Load(),
		RenewalSkipped: d.stats.renewalSkipped.Load(),
	}
	for _, entries := range t.paths {
		s.PathListeners += len(entries)
	}
	return s
}
