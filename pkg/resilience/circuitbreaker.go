package resilience

import (
	"errors"
	"sync"
	"time"
)

// State is the breaker position.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitBreakerOpen is returned by Execute while the breaker is open.
var ErrCircuitBreakerOpen = errors.New("circuit breaker is open")

// CircuitBreaker opens after maxFailures consecutive failures and lets a single probe
// through once cooldown has elapsed. The probe's outcome closes or reopens it.
type CircuitBreaker struct {
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool

	now      func() time.Time
	onChange func(from, to State)
}

// NewCircuitBreaker returns a closed breaker. maxFailures below one is treated as one.
func NewCircuitBreaker(maxFailures int, cooldown time.Duration) *CircuitBreaker {
	if maxFailures < 1 {
		maxFailures = 1
	}
	return &CircuitBreaker{
		maxFailures: maxFailures,
		cooldown:    cooldown,
		now:         time.Now,
	}
}

// OnStateChange registers fn to be called, outside the lock, on every transition.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onChange = fn
}

// Execute runs fn unless the breaker is open. Only errors for which counts returns true
// are failures; a nil counts treats every error as one.
func (cb *CircuitBreaker) Execute(fn func() error, counts func(error) bool) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil && (counts == nil || counts(err)) {
		cb.Failure()
	} else {
		cb.Success()
	}
	return err
}

// Allow reports whether a call may proceed, moving an expired open breaker to half-open.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	switch cb.state {
	case StateClosed:
		cb.mu.Unlock()
		return nil
	case StateOpen:
		if cb.now().Sub(cb.openedAt) < cb.cooldown {
			cb.mu.Unlock()
			return ErrCircuitBreakerOpen
		}
		cb.probing = true
		notify := cb.transition(StateHalfOpen)
		cb.mu.Unlock()
		notify()
		return nil
	default:
		if cb.probing {
			cb.mu.Unlock()
			return ErrCircuitBreakerOpen
		}
		cb.probing = true
		cb.mu.Unlock()
		return nil
	}
}

// Success records a successful call.
func (cb *CircuitBreaker) Success() {
	cb.mu.Lock()
	cb.failures = 0
	cb.probing = false
	notify := cb.transition(StateClosed)
	cb.mu.Unlock()
	notify()
}

// Failure records a failed call.
func (cb *CircuitBreaker) Failure() {
	cb.mu.Lock()
	cb.failures++
	notify := func() {}
	if cb.state == StateHalfOpen || cb.failures >= cb.maxFailures {
		cb.openedAt = cb.now()
		cb.probing = false
		notify = cb.transition(StateOpen)
	}
	cb.mu.Unlock()
	notify()
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Reset closes the breaker and clears its failure count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.probing = false
	notify := cb.transition(StateClosed)
	cb.mu.Unlock()
	notify()
}

// transition must be called with mu held. The returned func runs the callback.
func (cb *CircuitBreaker) transition(to State) func() {
	from := cb.state
	cb.state = to
	if from == to || cb.onChange == nil {
		return func() {}
	}
	fn := cb.onChange
	return func() { fn(from, to) }
}
