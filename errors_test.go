package mailbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rbaliyan/mailbus/codec"
	"github.com/rbaliyan/mailbus/mailbox"
	"github.com/rbaliyan/mailbus/registry"
	"github.com/rbaliyan/mailbus/transport"
)

func TestSentinelsWrapLowerLayers(t *testing.T) {
	if !errors.Is(ErrInvalidPath, mailbox.ErrInvalidPath) {
		t.Error("expected ErrInvalidPath to match mailbox.ErrInvalidPath")
	}
	if !errors.Is(ErrRegistryUnavailable, registry.ErrUnavailable) {
		t.Error("expected ErrRegistryUnavailable to match registry.ErrUnavailable")
	}
	if !errors.Is(ErrMalformedEvent, codec.ErrMalformedEvent) {
		t.Error("expected ErrMalformedEvent to match codec.ErrMalformedEvent")
	}
}

func TestListenerError(t *testing.T) {
	cause := errors.New("session gone")
	err := &ListenerError{Listener: "idle", Type: PathScoped, Path: inbox, EventID: "e1", Kind: mailbox.KindAdded, Err: cause}

	if !errors.Is(err, ErrListenerFailure) || !errors.Is(err, cause) {
		t.Errorf("expected error to match sentinel and cause: %v", err)
	}
	if !strings.Contains(err.Error(), "idle failed") {
		t.Errorf("unexpected message: %s", err.Error())
	}

	panicked := &ListenerError{Listener: "idle", Panic: "boom", Err: fmt.Errorf("panic: boom")}
	if !strings.Contains(panicked.Error(), "panicked") {
		t.Errorf("expected panic message, got %s", panicked.Error())
	}
}

func TestFanoutError(t *testing.T) {
	fe := &FanoutError{
		EventID:     "e1",
		Path:        inbox,
		DeliveredTo: []mailbox.Topic{"node-2"},
		Failed: map[mailbox.Topic]error{
			"node-4": &PublishError{Topic: "node-4", Err: transport.ErrClosed},
			"node-3": &PublishError{Topic: "node-3", Err: errBrokerDown},
		},
	}

	t.Run("failed topics are sorted", func(t *testing.T) {
		got := fe.FailedTopics()
		if len(got) != 2 || got[0] != "node-3" || got[1] != "node-4" {
			t.Errorf("expected [node-3 node-4], got %v", got)
		}
	})

	t.Run("retryable topics", func(t *testing.T) {
		got := fe.RetryableTopics()
		if len(got) != 1 || got[0] != "node-3" {
			t.Errorf("expected [node-3], got %v", got)
		}
	})

	t.Run("success rate", func(t *testing.T) {
		if rate := fe.SuccessRate(); rate < 0.33 || rate > 0.34 {
			t.Errorf("expected 1/3, got %v", rate)
		}
		if fe.AllFailed() {
			t.Error("expected AllFailed to be false")
		}
		if (&FanoutError{}).SuccessRate() != 0 {
			t.Error("expected 0 for empty fan-out")
		}
	})

	t.Run("unwraps per-topic errors", func(t *testing.T) {
		if !errors.Is(fe, errBrokerDown) || !errors.Is(fe, ErrPublishFailure) {
			t.Errorf("expected fan-out error to match its causes: %v", fe)
		}
		if got, ok := IsFanoutError(fmt.Errorf("wrapped: %w", fe)); !ok || got != fe {
			t.Error("expected IsFanoutError to find wrapped error")
		}
		if _, ok := IsFanoutError(errBrokerDown); ok {
			t.Error("expected plain error not to be a fan-out error")
		}
	})

	t.Run("message truncates long lists", func(t *testing.T) {
		big := &FanoutError{EventID: "e2", Path: inbox, Failed: make(map[mailbox.Topic]error)}
		for i := 0; i < 8; i++ {
			topic := mailbox.Topic(fmt.Sprintf("node-%d", i))
			big.Failed[topic] = &PublishError{Topic: topic, Err: errBrokerDown}
		}
		msg := big.Error()
		if !strings.Contains(msg, "0 delivered, 8 failed") {
			t.Errorf("expected counts in message, got %s", msg)
		}
		if !strings.Contains(msg, "...and 3 more") {
			t.Errorf("expected truncation, got %s", msg)
		}
	})
}

func TestRegistrationError(t *testing.T) {
	t.Run("unavailable", func(t *testing.T) {
		err := &RegistrationError{Op: "register", Path: inbox, Topic: "node-1",
			Err: registry.Unavailable("redis", "register", errBrokerDown)}
		if !errors.Is(err, ErrRegistryUnavailable) || !errors.Is(err, registry.ErrUnavailable) {
			t.Errorf("expected unavailability to match: %v", err)
		}
		if !err.Retryable() || !IsRetryableError(err) {
			t.Error("expected unavailability to be retryable")
		}
	})

	t.Run("permanent", func(t *testing.T) {
		err := &RegistrationError{Op: "register", Path: inbox, Topic: "node-1",
			Err: registry.Failed("postgres", "register", errors.New("relation does not exist"))}
		if errors.Is(err, ErrRegistryUnavailable) {
			t.Error("expected permanent failure not to match ErrRegistryUnavailable")
		}
		if err.Retryable() || IsRetryableError(err) {
			t.Error("expected permanent failure not to be retryable")
		}
	})
}

func TestInboundError(t *testing.T) {
	s := codec.New(mailbox.UUIDIDFactory{}, mailbox.UUIDMessageIDFactory{})
	_, cause := s.Deserialize([]byte("garbage"))
	err := &InboundError{Topic: "node-1", Size: 7, Err: cause}

	if !errors.Is(err, ErrMalformedEvent) {
		t.Errorf("expected ErrMalformedEvent, got %v", err)
	}
	if err.Retryable() || IsRetryableError(err) {
		t.Error("expected inbound error not to be retryable")
	}
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"invalid config", ErrInvalidConfig, false},
		{"closed", ErrClosed, false},
		{"listener not found", ErrListenerNotFound, false},
		{"invalid path", fmt.Errorf("%w: empty name", ErrInvalidPath), false},
		{"invalid event", codec.ErrInvalidEvent, false},
		{"invalid ttl", registry.ErrInvalidTTL, false},
		{"transport closed", &PublishError{Topic: "t", Err: transport.ErrClosed}, false},
		{"registry unavailable", registry.ErrUnavailable, true},
		{"registry not connected", registry.ErrNotConnected, true},
		{"not started", ErrNotStarted, true},
		{"publish failure", &PublishError{Topic: "t", Err: errBrokerDown}, true},
		{"deadline", context.DeadlineExceeded, true},
		{"unknown", errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryableError(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
