package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/coldsend/relay/internal/delivery/breaker"
	"github.com/coldsend/relay/internal/delivery/classify"
)

// fastPolicy keeps test sleeps in the microsecond range.
var fastPolicy = Policy{
	MaxRetries:      3,
	InitialDelay:    time.Microsecond,
	MaxDelay:        10 * time.Microsecond,
	BackoffMultiple: 2.0,
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	e := NewEngine(nil)
	calls := 0
	err := e.Do(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset by peer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do() = %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestDoNeverExceedsAttemptBudget(t *testing.T) {
	e := NewEngine(nil)
	calls := 0
	err := e.Do(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return errors.New("timeout")
	})
	if calls != fastPolicy.MaxRetries+1 {
		t.Fatalf("calls = %d, want %d", calls, fastPolicy.MaxRetries+1)
	}
	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if re.Attempts != fastPolicy.MaxRetries+1 {
		t.Errorf("Attempts = %d", re.Attempts)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	e := NewEngine(nil)
	calls := 0
	sendErr := errors.New("550 no such user")
	err := e.Do(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return sendErr
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 for non-retryable error", calls)
	}
	if !errors.Is(err, sendErr) {
		t.Fatalf("err = %v, want the original error", err)
	}
}

func TestDoPassesThroughCircuitOpen(t *testing.T) {
	e := NewEngine(nil)
	calls := 0
	openErr := &breaker.OpenError{Name: "smtp", RetryAfter: time.Second}
	err := e.Do(context.Background(), fastPolicy, func(ctx context.Context) error {
		calls++
		return openErr
	})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 for circuit-open", calls)
	}
	if _, ok := breaker.IsOpen(err); !ok {
		t.Fatalf("err = %v, want *OpenError", err)
	}
}

func TestDoCancellableBetweenAttempts(t *testing.T) {
	e := NewEngine(nil)
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	slow := Policy{MaxRetries: 3, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffMultiple: 2}
	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, slow, func(ctx context.Context) error {
			calls++
			return errors.New("timeout")
		})
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancellation")
	}
	if calls != 1 {
		t.Fatalf("calls = %d, cancellation must prevent further attempts", calls)
	}
}

func TestDelayMonotoneAndCapped(t *testing.T) {
	e := NewEngine(nil)
	p := Policy{MaxRetries: 10, InitialDelay: time.Second, MaxDelay: 30 * time.Second, BackoffMultiple: 2}
	prev := time.Duration(0)
	for attempt := 1; attempt <= 10; attempt++ {
		d := e.Delay(p, classify.TemporaryFailure, attempt)
		if d < prev {
			t.Fatalf("delay decreased at attempt %d: %s < %s", attempt, d, prev)
		}
		if d > p.MaxDelay {
			t.Fatalf("delay %s exceeds cap %s", d, p.MaxDelay)
		}
		prev = d
	}
}

func TestDelayCategoryOverrides(t *testing.T) {
	e := NewEngine(nil)
	p := Policy{MaxRetries: 3, InitialDelay: 2 * time.Second, MaxDelay: 30 * time.Second, BackoffMultiple: 2}

	// rate_limited: x3 multiplier, 60s cap.
	if d := e.Delay(p, classify.RateLimited, 2); d != 6*time.Second {
		t.Errorf("rate_limited attempt 2 delay = %s, want 6s", d)
	}
	if d := e.Delay(p, classify.RateLimited, 10); d != 60*time.Second {
		t.Errorf("rate_limited capped delay = %s, want 60s", d)
	}

	// greylisted: fixed 5-15 minute range regardless of attempt.
	for attempt := 1; attempt <= 5; attempt++ {
		d := e.Delay(p, classify.Greylisted, attempt)
		if d < 5*time.Minute || d > 15*time.Minute {
			t.Errorf("greylisted delay = %s, want within [5m, 15m]", d)
		}
	}

	// connection_error: generic schedule capped at 10s.
	if d := e.Delay(p, classify.ConnectionError, 10); d != 10*time.Second {
		t.Errorf("connection_error capped delay = %s, want 10s", d)
	}
}

func TestDelayJitterStaysInBand(t *testing.T) {
	e := NewEngine(nil)
	p := Policy{MaxRetries: 3, InitialDelay: 8 * time.Second, MaxDelay: 30 * time.Second, BackoffMultiple: 2, Jitter: true}
	for i := 0; i < 200; i++ {
		d := e.Delay(p, classify.TemporaryFailure, 1)
		lo := time.Duration(float64(8*time.Second) * 0.875)
		hi := time.Duration(float64(8*time.Second) * 1.125)
		if d < lo || d > hi {
			t.Fatalf("jittered delay %s outside [%s, %s]", d, lo, hi)
		}
	}
}

func TestDelayObserver(t *testing.T) {
	var seen []classify.Category
	e := NewEngine(func(c classify.Category, d time.Duration) {
		seen = append(seen, c)
	})
	_ = e.Do(context.Background(), Policy{MaxRetries: 2, InitialDelay: time.Microsecond, MaxDelay: time.Millisecond, BackoffMultiple: 2}, func(ctx context.Context) error {
		return errors.New("rate limit exceeded")
	})
	if len(seen) != 2 {
		t.Fatalf("observer called %d times, want 2", len(seen))
	}
	for _, c := range seen {
		if c != classify.RateLimited {
			t.Errorf("observed category %s", c)
		}
	}
}
