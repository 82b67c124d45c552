package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type transientErr struct{ retryable bool }

func (e transientErr) Error() string   { return "transient" }
func (e transientErr) Retryable() bool { return e.retryable }

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		if calls < 3 {
			return transientErr{retryable: true}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	permanent := errors.New("invalid path")
	calls := 0
	err := Do(context.Background(), fastConfig(), func(context.Context) error {
		calls++
		return permanent
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, ErrNotRetryable) {
		t.Errorf("expected ErrNotRetryable, got %v", err)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("expected cause to be preserved, got %v", err)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	var retries []int
	cfg := fastConfig()
	cfg.OnRetry = func(attempt int, _ error, _ time.Duration) {
		retries = append(retries, attempt)
	}

	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return transientErr{retryable: true}
	})
	if calls != 4 {
		t.Errorf("expected 4 calls, got %d", calls)
	}
	if !errors.Is(err, ErrMaxRetries) {
		t.Errorf("expected ErrMaxRetries, got %v", err)
	}
	var retryErr *RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected *RetryError, got %T", err)
	}
	if retryErr.Attempts != 4 {
		t.Errorf("expected 4 attempts, got %d", retryErr.Attempts)
	}
	if fmt.Sprint(retries) != "[1 2 3]" {
		t.Errorf("expected OnRetry for attempts [1 2 3], got %v", retries)
	}
}

func TestDoRespectsBudget(t *testing.T) {
	cfg := Config{
		MaxRetries:     10,
		InitialBackoff: 50 * time.Millisecond,
		MaxElapsed:     20 * time.Millisecond,
	}
	calls := 0
	err := Do(context.Background(), cfg, func(context.Context) error {
		calls++
		return transientErr{retryable: true}
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, ErrBudgetExceeded) {
		t.Errorf("expected ErrBudgetExceeded, got %v", err)
	}
}

func TestDoCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Do(ctx, fastConfig(), func(context.Context) error {
		called = true
		return nil
	})
	if called {
		t.Error("expected fn not to be called with a canceled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDoCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxRetries: 3, InitialBackoff: time.Hour, MaxBackoff: time.Hour}

	err := Do(ctx, cfg, func(context.Context) error {
		cancel()
		return transientErr{retryable: true}
	})
	if !errors.Is(err, ErrContextCanceled) {
		t.Errorf("expected ErrContextCanceled, got %v", err)
	}
}

func TestDefaultIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"transient", transientErr{retryable: true}, true},
		{"wrapped transient", fmt.Errorf("register: %w", transientErr{retryable: true}), true},
		{"declared permanent", transientErr{retryable: false}, false},
		{"canceled", context.Canceled, false},
		{"deadline", fmt.Errorf("op: %w", context.DeadlineExceeded), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultIsRetryable(tt.err); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestCalculateBackoffIsCapped(t *testing.T) {
	cfg := applyDefaults(Config{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second})
	cfg.Jitter = 0
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}
	for attempt, w := range want {
		if got := calculateBackoff(cfg, attempt); got != w {
			t.Errorf("attempt %d: expected %v, got %v", attempt, w, got)
		}
	}
}
