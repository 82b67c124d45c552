package mailbus

import (
	"context"
	"errors"
	"testing"

	"github.com/rbaliyan/mailbus/mailbox"
)

func TestStats(t *testing.T) {
	c := newCluster(t, 2)

	if s := c.nodes[0].Stats(); s.Topic != "node-1" || s.Dispatched != 0 {
		t.Errorf("expected fresh stats for node-1, got %+v", s)
	}

	c.listen(t, 0, inbox, newRecorder("a"))
	c.listen(t, 0, archive, newRecorder("b"))
	c.listen(t, 1, inbox, &recorder{name: "failing", err: errors.New("fail")})
	if _, err := c.nodes[0].AddGlobalListener(newRecorder("g")); err != nil {
		t.Fatalf("AddGlobalListener failed: %v", err)
	}

	c.dispatch(t, 0, added(inbox))
	c.dispatch(t, 0, quotaUpdated("alice"))

	s0 := c.nodes[0].Stats()
	if s0.PathListeners != 2 || s0.GlobalListeners != 1 || s0.LeasedPaths != 2 {
		t.Errorf("expected 2 path listeners, 1 global and 2 leased paths, got %+v", s0)
	}
	if s0.Dispatched != 2 || s0.Published != 1 || s0.InFlightFanouts != 0 {
		t.Errorf("expected 2 dispatched and 1 published, got %+v", s0)
	}

	s1 := c.nodes[1].Stats()
	if s1.Received != 1 || s1.ListenerErrors != 1 {
		t.Errorf("expected 1 received with 1 listener error on node-2, got %+v", s1)
	}
}

func TestStatsWithTelemetry(t *testing.T) {
	c := newCluster(t, 2, WithOTel(true), WithServiceName("imap"))

	c.listen(t, 1, inbox, newRecorder("l"))
	c.listen(t, 1, inbox, ListenerFunc(func(context.Context, mailbox.Event) error {
		return errors.New("fail")
	}))
	c.dispatch(t, 0, added(inbox))
	if err := c.hub.Publish(context.Background(), c.nodes[1].Topic(), []byte("garbage")); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if err := c.nodes[1].RenewLeases(context.Background()); err != nil {
		t.Fatalf("RenewLeases failed: %v", err)
	}

	s := c.nodes[1].Stats()
	if s.Received != 1 || s.Malformed != 1 || s.ListenerErrors != 1 || s.Renewals != 1 {
		t.Errorf("unexpected stats with telemetry enabled: %+v", s)
	}
}
