package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/coldsend/relay/internal/delivery/breaker"
	"github.com/coldsend/relay/internal/delivery/classify"
)

// Policy defines retry behavior for one class of operation.
type Policy struct {
	MaxRetries      int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	BackoffMultiple float64
	Jitter          bool
}

// Per-operation-class policies.
var (
	// TransportPolicy covers provider sends.
	TransportPolicy = Policy{
		MaxRetries:      3,
		InitialDelay:    2 * time.Second,
		MaxDelay:        30 * time.Second,
		BackoffMultiple: 2.0,
		Jitter:          true,
	}

	// APIPolicy covers calls to external HTTP APIs.
	APIPolicy = Policy{
		MaxRetries:      2,
		InitialDelay:    1 * time.Second,
		MaxDelay:        10 * time.Second,
		BackoffMultiple: 2.0,
		Jitter:          true,
	}

	// StoragePolicy covers database calls.
	StoragePolicy = Policy{
		MaxRetries:      2,
		InitialDelay:    500 * time.Millisecond,
		MaxDelay:        3 * time.Second,
		BackoffMultiple: 2.0,
		Jitter:          true,
	}
)

// Category-specific delay bounds layered on top of the generic schedule.
const (
	rateLimitedMultiple = 3.0
	rateLimitedMaxDelay = 60 * time.Second
	greylistMinDelay    = 5 * time.Minute
	greylistMaxDelay    = 15 * time.Minute
	connectionMaxDelay  = 10 * time.Second
)

// Error wraps the last failure once retries are exhausted.
type Error struct {
	Attempts int
	Elapsed  time.Duration
	Last     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("failed after %d attempts in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *Error) Unwrap() error { return e.Last }

// DelayObserver is notified of each computed backoff delay, for metrics.
type DelayObserver func(category classify.Category, delay time.Duration)

// Engine runs operations under a retry policy with classifier-driven
// stop decisions.
type Engine struct {
	observe DelayObserver
	rand    *rand.Rand
}

// NewEngine creates a retry engine. observe may be nil.
func NewEngine(observe DelayObserver) *Engine {
	return &Engine{
		observe: observe,
		rand:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Do runs op up to MaxRetries+1 times. Non-retryable classifications and
// circuit-open rejections stop immediately; circuit-open errors pass
// through unwrapped so callers can reschedule instead of failing the unit
// of work. The backoff sleep is cancellable via ctx.
func (e *Engine) Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if _, open := breaker.IsOpen(err); open {
			return err
		}

		c := classify.Classify(err)
		if !c.Retryable {
			return err
		}
		if attempt == policy.MaxRetries+1 {
			break
		}

		delay := e.Delay(policy, c.Category, attempt)
		if e.observe != nil {
			e.observe(c.Category, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return &Error{
		Attempts: policy.MaxRetries + 1,
		Elapsed:  time.Since(start),
		Last:     lastErr,
	}
}

// Delay computes the backoff before the next attempt (attempt is 1-based).
// Category overrides: rate_limited backs off steeper with a 60s cap,
// greylisted waits a fixed 5-15 minutes regardless of attempt,
// connection errors stay on the fast schedule capped at 10s.
func (e *Engine) Delay(policy Policy, category classify.Category, attempt int) time.Duration {
	if category == classify.Greylisted {
		spread := greylistMaxDelay - greylistMinDelay
		return greylistMinDelay + time.Duration(e.rand.Int63n(int64(spread)))
	}

	multiple := policy.BackoffMultiple
	maxDelay := policy.MaxDelay
	switch category {
	case classify.RateLimited:
		multiple = rateLimitedMultiple
		maxDelay = rateLimitedMaxDelay
	case classify.ConnectionError:
		if maxDelay > connectionMaxDelay {
			maxDelay = connectionMaxDelay
		}
	}

	delay := float64(policy.InitialDelay) * math.Pow(multiple, float64(attempt-1))
	if delay > float64(maxDelay) {
		delay = float64(maxDelay)
	}

	if policy.Jitter {
		// Up to ±12.5% to avoid synchronized retry storms.
		jitter := (e.rand.Float64() - 0.5) * 0.25 * delay
		delay += jitter
	}

	return time.Duration(delay)
}
