// Package resilience provides reliability patterns for remote store calls.
package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is the externally visible breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Option configures a Breaker.
type Option func(*Breaker)

// WithFailureFilter limits which errors count against the breaker. Errors for
// which counts returns false are passed through and reset nothing.
func WithFailureFilter(counts func(error) bool) Option {
	return func(b *Breaker) { b.counts = counts }
}

// WithStateChange registers a callback invoked (outside the lock) on every transition.
func WithStateChange(fn func(from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Breaker implements a circuit breaker for protecting remote calls.
// It opens after maxFailures consecutive counted failures and rejects calls
// until timeout elapses; then a single probe is let through (half-open).
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	maxFailures int
	timeout     time.Duration
	openedAt    time.Time
	probing     bool
	counts      func(error) bool
	onChange    func(from, to State)
	now         func() time.Time // for testing
}

// NewBreaker creates a closed circuit breaker.
func NewBreaker(maxFailures int, timeout time.Duration, opts ...Option) *Breaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	b := &Breaker{
		state:       StateClosed,
		maxFailures: maxFailures,
		timeout:     timeout,
		counts:      func(error) bool { return true },
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// State reports the current state. An open breaker whose timeout elapsed is
// reported as half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.timeout {
		return StateHalfOpen
	}
	return b.state
}

// Execute runs fn unless the circuit is open. Returns ErrCircuitOpen when rejected.
func (b *Breaker) Execute(fn func() error) error {
	from, ok := b.allowRequest()
	b.notify(from)
	if !ok {
		return ErrCircuitOpen
	}

	err := fn()

	b.mu.Lock()
	prev := b.state
	b.probing = false
	switch {
	case err != nil && b.counts(err):
		b.onFailure()
	case err != nil:
		// Not a remote health signal. A half-open probe that got an answer
		// still proves the remote is reachable.
		if b.state == StateHalfOpen {
			b.onSuccess()
		}
	default:
		b.onSuccess()
	}
	b.mu.Unlock()
	b.notify(prev)
	return err
}

// allowRequest returns the state before any transition it made.
func (b *Breaker) allowRequest() (State, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev := b.state
	switch b.state {
	case StateClosed:
		return prev, true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.timeout {
			b.state = StateHalfOpen
			b.probing = true
			return prev, true
		}
		return prev, false
	case StateHalfOpen:
		if b.probing {
			return prev, false
		}
		b.probing = true
		return prev, true
	}
	return prev, false
}

// notify reports a transition from prev to the current state, if any.
func (b *Breaker) notify(prev State) {
	if b.onChange == nil {
		return
	}
	b.mu.Lock()
	cur := b.state
	b.mu.Unlock()
	if cur != prev {
		b.onChange(prev, cur)
	}
}

// onFailure must be called with b.mu held.
func (b *Breaker) onFailure() {
	b.failures++
	if b.state == StateHalfOpen || b.failures >= b.maxFailures {
		b.state = StateOpen
		b.openedAt = b.now()
	}
}

// onSuccess must be called with b.mu held.
func (b *Breaker) onSuccess() {
	b.failures = 0
	b.state = StateClosed
}
