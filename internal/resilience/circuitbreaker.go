// Package resilience provides a circuit breaker for remote service calls.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is in open state.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int32

const (
	// StateClosed is the normal operating state - requests flow through.
	StateClosed State = iota
	// StateOpen is the failing state - requests are rejected immediately.
	StateOpen
	// StateHalfOpen lets a single probe through to test recovery.
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

// Config configures a circuit breaker.
type Config struct {
	// Name identifies this circuit breaker in logs.
	Name string

	// FailureThreshold is the number of consecutive failures before opening the circuit.
	FailureThreshold int

	// Timeout is how long to wait before transitioning from open to half-open.
	Timeout time.Duration

	// OnStateChange is called synchronously when state transitions occur.
	OnStateChange func(name string, from, to State)

	// IsFailure determines if an error should count as a failure.
	// If nil, all non-nil errors are failures.
	IsFailure func(err error) bool
}

// DefaultConfig returns the defaults used for the remote service.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
	}
}

// Stats contains circuit breaker statistics.
type Stats struct {
	State           State
	FailureCount    int
	LastFailureTime time.Time
	LastStateChange time.Time
}

// CircuitBreaker implements the circuit breaker pattern.
type CircuitBreaker struct {
	config Config
	now    func() time.Time

	mu              sync.Mutex
	state           State
	failureCount    int
	probing         bool
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration.
func NewCircuitBreaker(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &CircuitBreaker{
		config:          cfg,
		now:             time.Now,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn unless the circuit is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.beforeRequest(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.afterRequest(err)
	return err
}

func (cb *CircuitBreaker) beforeRequest() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailureTime) < cb.config.Timeout {
			return ErrCircuitOpen
		}
		cb.transitionLocked(StateHalfOpen)
		cb.probing = true
		return nil

	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) afterRequest(err error) {
	isFailure := err != nil
	if err != nil && cb.config.IsFailure != nil {
		isFailure = cb.config.IsFailure(err)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if !isFailure {
			cb.failureCount = 0
			return
		}
		cb.failureCount++
		cb.lastFailureTime = cb.now()
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transitionLocked(StateOpen)
		}

	case StateHalfOpen:
		cb.probing = false
		if isFailure {
			cb.lastFailureTime = cb.now()
			cb.transitionLocked(StateOpen)
			return
		}
		cb.transitionLocked(StateClosed)
	}
}

// transitionLocked changes state. cb.mu must be held.
func (cb *CircuitBreaker) transitionLocked(newState State) {
	oldState := cb.state
	if oldState == newState {
		return
	}

	cb.state = newState
	cb.failureCount = 0
	cb.lastStateChange = cb.now()
	if newState != StateHalfOpen {
		cb.probing = false
	}

	if cb.config.OnStateChange != nil {
		cb.config.OnStateChange(cb.config.Name, oldState, newState)
	}
}

// State returns the current circuit breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Stats{
		State:           cb.state,
		FailureCount:    cb.failureCount,
		LastFailureTime: cb.lastFailureTime,
		LastStateChange: cb.lastStateChange,
	}
}
