package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State of a circuit breaker.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config holds circuit breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // half-open successes before closing
	OpenTimeout      time.Duration // how long OPEN rejects before probing
	ResetTimeout     time.Duration // quiet period that zeroes the failure count while CLOSED
}

// DefaultConfig provides sensible defaults.
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	OpenTimeout:      30 * time.Second,
	ResetTimeout:     60 * time.Second,
}

// OpenError is returned when the breaker rejects a call without invoking
// the wrapped operation. RetryAfter is the time until the next probe.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is open, retry after %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

// IsOpen reports whether err is a circuit-open rejection.
func IsOpen(err error) (*OpenError, bool) {
	oe, ok := err.(*OpenError)
	return oe, ok
}

// TransitionFunc observes state changes for logging/metrics.
type TransitionFunc func(name string, from, to State)

// Breaker protects calls against a single named resource. Counters are
// only mutated under mu; a process restart resets to CLOSED.
type Breaker struct {
	name   string
	config Config
	onMove TransitionFunc

	mu              sync.Mutex
	state           State
	failureCount    int
	successCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time

	now func() time.Time // overridable in tests
}

// New creates a breaker for the named resource.
func New(name string, config Config, onMove TransitionFunc) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = DefaultConfig.OpenTimeout
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = DefaultConfig.ResetTimeout
	}
	return &Breaker{
		name:   name,
		config: config,
		onMove: onMove,
		state:  StateClosed,
		now:    time.Now,
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op through the breaker. In OPEN before the timeout it fails
// fast with *OpenError and does not invoke op.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := op(ctx)
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateOpen:
		if now.Before(b.nextAttemptTime) {
			return &OpenError{Name: b.name, RetryAfter: b.nextAttemptTime.Sub(now)}
		}
		// Open timeout elapsed: let one call through as a probe.
		b.transition(StateHalfOpen)
		b.successCount = 0
	case StateClosed:
		// Well-spaced sporadic failures should not accumulate.
		if b.failureCount > 0 && now.Sub(b.lastFailureTime) >= b.config.ResetTimeout {
			b.failureCount = 0
		}
	}
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	if err != nil {
		b.lastFailureTime = now
		switch b.state {
		case StateHalfOpen:
			// A single probe failure reopens the circuit.
			b.transition(StateOpen)
			b.nextAttemptTime = now.Add(b.config.OpenTimeout)
		case StateClosed:
			b.failureCount++
			if b.failureCount >= b.config.FailureThreshold {
				b.transition(StateOpen)
				b.nextAttemptTime = now.Add(b.config.OpenTimeout)
			}
		}
		return
	}

	switch b.state {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.transition(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// transition must be called with mu held.
func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onMove != nil {
		b.onMove(b.name, from, to)
	}
}

// Registry owns named breakers so callers share one breaker per resource.
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	config   Config
	onMove   TransitionFunc
}

// NewRegistry creates a registry with one config for all breakers.
func NewRegistry(config Config, onMove TransitionFunc) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		config:   config,
		onMove:   onMove,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.config, r.onMove)
		r.breakers[name] = b
	}
	return b
}

// States returns a snapshot of all breaker states, for health reporting.
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
