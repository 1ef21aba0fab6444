package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the circuit is open and calls are
// rejected without reaching the upstream.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker guards one upstream base URL. Only errors the
// classifier deems upstream failures count toward opening the circuit;
// client-caused errors pass through without touching the failure count.
type CircuitBreaker struct {
	mu          sync.RWMutex
	state       State
	failures    int
	lastFailure time.Time
	lastChange  time.Time

	maxFailures int
	cooldown    time.Duration
	isFailure   func(error) bool
}

type Config struct {
	// Consecutive failures before the circuit opens. Default: 5
	MaxFailures int

	// How long an open circuit rejects calls before probing. Default: 30s
	Cooldown time.Duration

	// Classifies an error as an upstream failure. nil counts every error
	IsFailure func(error) bool
}

func New(cfg Config) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = func(error) bool { return true }
	}

	return &CircuitBreaker{
		state:       StateClosed,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		isFailure:   cfg.IsFailure,
		lastChange:  time.Now(),
	}
}

// Call runs fn under the breaker. The error is always returned to the
// caller; whether it counts as a failure is the classifier's decision.
func (cb *CircuitBreaker) Call(fn func() error) error {
	cb.mu.Lock()

	if cb.state == StateOpen {
		if time.Since(cb.lastFailure) > cb.cooldown {
			// Cooldown over, let one trial call through
			cb.setState(StateHalfOpen)
		} else {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
	}

	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil && cb.isFailure(err) {
		cb.onFailure()
	} else {
		// The upstream answered, even if the answer was an error
		cb.onSuccess()
	}

	return err
}

func (cb *CircuitBreaker) onFailure() {
	cb.failures++
	cb.lastFailure = time.Now()

	if cb.state == StateHalfOpen {
		// A failed trial call reopens immediately
		cb.setState(StateOpen)
	} else if cb.failures >= cb.maxFailures {
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	if cb.state == StateHalfOpen {
		cb.setState(StateClosed)
	}
	cb.failures = 0
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state != newState {
		cb.state = newState
		cb.lastChange = time.Now()
	}
}

// State returns the current circuit state
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// Reset force-closes the circuit, clearing its failure history
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.state = StateClosed
	cb.failures = 0
	cb.lastChange = time.Now()
}

// Metrics snapshots the circuit for the admin status endpoint
func (cb *CircuitBreaker) Metrics() Metrics {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return Metrics{
		State:           cb.state,
		FailureCount:    cb.failures,
		LastFailureTime: cb.lastFailure,
		LastStateChange: cb.lastChange,
	}
}

type Metrics struct {
	State           State     `json:"state"`
	FailureCount    int       `json:"failure_count"`
	LastFailureTime time.Time `json:"last_failure_time"`
	LastStateChange time.Time `json:"last_state_change"`
}
