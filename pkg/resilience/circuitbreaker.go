// Package resilience provides a circuit breaker for calls to external
// services such as the embedding provider.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed   State = iota // normal operation
	StateOpen                  // tripped, reject calls
	StateHalfOpen              // allowing a probe call
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling through while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerOpts configures the circuit breaker.
type BreakerOpts struct {
	// Name identifies the breaker in logs and metrics.
	Name string
	// FailThreshold is how many consecutive failures trip the breaker.
	FailThreshold int
	// Timeout is how long the breaker stays open before entering half-open.
	Timeout time.Duration
	// HalfOpenMax is the number of probe calls allowed in half-open state.
	HalfOpenMax int
	// OnStateChange, if set, is called after every transition. It runs with
	// the breaker lock held and must not call back into the breaker.
	OnStateChange func(name string, from, to State)
}

// DefaultBreakerOpts provides the defaults used for zero option fields.
var DefaultBreakerOpts = BreakerOpts{
	FailThreshold: 5,
	Timeout:       30 * time.Second,
	HalfOpenMax:   1,
}

// Breaker implements a circuit breaker with closed/open/half-open states.
type Breaker struct {
	mu            sync.Mutex
	opts          BreakerOpts
	state         State
	failures      int
	openedAt      time.Time
	halfOpenCount int
	now           func() time.Time // for testing
}

// NewBreaker creates a circuit breaker with the given options.
func NewBreaker(opts BreakerOpts) *Breaker {
	if opts.FailThreshold <= 0 {
		opts.FailThreshold = DefaultBreakerOpts.FailThreshold
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultBreakerOpts.Timeout
	}
	if opts.HalfOpenMax <= 0 {
		opts.HalfOpenMax = DefaultBreakerOpts.HalfOpenMax
	}
	return &Breaker{opts: opts, now: time.Now}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

// currentState returns state, transitioning open→half-open if timeout elapsed. Must hold mu.
func (b *Breaker) currentState() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.opts.Timeout {
		b.setState(StateHalfOpen)
		b.halfOpenCount = 0
	}
	return b.state
}

// setState must hold mu.
func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(b.opts.Name, from, to)
	}
}

// allow reserves a slot for a call, or reports that the breaker rejects it.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case StateOpen:
		return false
	case StateHalfOpen:
		if b.halfOpenCount >= b.opts.HalfOpenMax {
			return false
		}
		b.halfOpenCount++
	}
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		if b.state == StateHalfOpen || b.failures >= b.opts.FailThreshold {
			b.setState(StateOpen)
			b.openedAt = b.now()
			b.failures = 0
			b.halfOpenCount = 0
		}
		return
	}
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
	}
	b.failures = 0
}

// Call executes f through the circuit breaker. Context cancellation by the
// caller is not counted as a failure.
func (b *Breaker) Call(ctx context.Context, f func(context.Context) error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}
	err := f(ctx)
	if errors.Is(err, context.Canceled) {
		b.record(nil)
		return err
	}
	b.record(err)
	return err
}
