package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

// fastRetry keeps backoff delays negligible in tests
func fastRetry(maxAttempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}
}

func TestWithRetry_EventualSuccess(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetry(4), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})

	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 calls, got %d", calls)
	}
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), fastRetry(3), func(ctx context.Context) error {
		calls++
		return errBoom
	})

	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("expected exactly 3 calls, got %d", calls)
	}
	if !errors.Is(err, errBoom) {
		t.Errorf("final error must wrap the last cause, got %v", err)
	}
	if !strings.Contains(err.Error(), "3 attempts") {
		t.Errorf("final error must state the attempt count, got %q", err)
	}
}

func TestWithRetry_TerminalErrorShortCircuits(t *testing.T) {
	terminal := errors.New("malformed request")
	cfg := fastRetry(5)
	cfg.Retryable = func(err error) bool { return !errors.Is(err, terminal) }

	calls := 0
	err := WithRetry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		return terminal
	})

	if !errors.Is(err, terminal) {
		t.Fatalf("expected terminal error unchanged, got %v", err)
	}
	if calls != 1 {
		t.Errorf("terminal error must not be retried, got %d calls", calls)
	}
}

func TestWithRetry_PerAttemptTimeout(t *testing.T) {
	cfg := fastRetry(2)
	cfg.PerAttemptTimeout = 10 * time.Millisecond

	calls := 0
	err := WithRetry(context.Background(), cfg, func(ctx context.Context) error {
		calls++
		select {
		case <-time.After(time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	if err == nil {
		t.Fatal("expected timeout failure")
	}
	if calls != 2 {
		t.Errorf("each hung attempt must be cut off and retried, got %d calls", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline error cause, got %v", err)
	}
}

func TestWithRetry_CancelledContextStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastRetry(5)
	cfg.InitialDelay = time.Second // force a long backoff window

	errc := make(chan error, 1)
	started := make(chan struct{})
	go func() {
		errc <- WithRetry(ctx, cfg, func(ctx context.Context) error {
			select {
			case <-started:
			default:
				close(started)
			}
			return errBoom
		})
	}()

	<-started
	cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WithRetry did not honor cancellation during backoff")
	}
}
