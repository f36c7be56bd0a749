package reliability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State represents the circuit breaker state
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

// CircuitBreaker rejects calls after repeated failures until a cool-down has passed.
type CircuitBreaker struct {
	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	inFlight        int
	lastFailureTime time.Time

	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	halfOpenRequests int
	name             string
	counts           func(error) bool
	logger           *slog.Logger
	now              func() time.Time
}

// CircuitBreakerOption configures the circuit breaker
type CircuitBreakerOption func(*CircuitBreaker)

// WithFailureThreshold sets the consecutive failures that open the circuit
func WithFailureThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.failureThreshold = threshold
		}
	}
}

// WithSuccessThreshold sets the half-open successes needed to close again
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.successThreshold = threshold
		}
	}
}

// WithOpenTimeout sets how long the circuit stays open before probing
func WithOpenTimeout(timeout time.Duration) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.openTimeout = timeout
	}
}

// WithHalfOpenRequests sets the max concurrent probes in half-open state
func WithHalfOpenRequests(requests int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if requests > 0 {
			cb.halfOpenRequests = requests
		}
	}
}

// WithName sets the name used in errors and logs
func WithName(name string) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.name = name
	}
}

// WithFailureFilter limits which errors count as failures. Errors for which
// counts returns false are passed through without tripping the circuit.
func WithFailureFilter(counts func(error) bool) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.counts = counts
	}
}

// WithBreakerLogger sets the logger for state transitions
func WithBreakerLogger(logger *slog.Logger) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.logger = logger
	}
}

// WithClock overrides the time source
func WithClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		cb.now = now
	}
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: 5,
		successThreshold: 2,
		openTimeout:      30 * time.Second,
		halfOpenRequests: 1,
		name:             "default",
		counts:           func(err error) bool { return err != nil },
		logger:           slog.Default(),
		now:              time.Now,
	}

	for _, opt := range options {
		opt(cb)
	}

	return cb
}

// Execute runs fn unless the circuit is open
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := cb.acquire(); err != nil {
		return err
	}

	err := fn()
	cb.record(err)
	return err
}

// State returns the current state
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the current consecutive failure count
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit and clears all counters
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed, "reset")
}

func (cb *CircuitBreaker) acquire() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		nextRetry := cb.lastFailureTime.Add(cb.openTimeout)
		if cb.now().Before(nextRetry) {
			return cb.rejection(nextRetry)
		}
		cb.transition(StateHalfOpen, "open timeout expired")
		fallthrough

	case StateHalfOpen:
		if cb.inFlight >= cb.halfOpenRequests {
			return cb.rejection(cb.now())
		}
		cb.inFlight++
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.inFlight > 0 {
		cb.inFlight--
	}

	if err != nil && cb.counts(err) {
		cb.failures++
		cb.lastFailureTime = cb.now()

		switch cb.state {
		case StateClosed:
			if cb.failures >= cb.failureThreshold {
				cb.transition(StateOpen,
					fmt.Sprintf("failure threshold reached (%d/%d)", cb.failures, cb.failureThreshold))
			}
		case StateHalfOpen:
			cb.transition(StateOpen, "failure in half-open state")
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			cb.transition(StateClosed,
				fmt.Sprintf("success threshold reached (%d/%d)", cb.successes, cb.successThreshold))
		}
	}
}

// transition must be called with mu held
func (cb *CircuitBreaker) transition(to State, reason string) {
	from := cb.state
	cb.state = to
	cb.successes = 0
	cb.inFlight = 0
	if to == StateClosed {
		cb.failures = 0
	}

	if from != to {
		cb.logger.Info("circuit breaker state changed",
			"breaker", cb.name,
			"from", from.String(),
			"to", to.String(),
			"reason", reason)
	}
}

func (cb *CircuitBreaker) rejection(nextRetry time.Time) error {
	return &CircuitBreakerError{
		Name:             cb.name,
		State:            cb.state,
		Op:               "execute",
		Failures:         cb.failures,
		FailureThreshold: cb.failureThreshold,
		NextRetry:        nextRetry,
	}
}
