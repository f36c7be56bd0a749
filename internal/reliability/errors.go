package reliability

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrCircuitOpen is matched by every error returned while the breaker rejects calls
	ErrCircuitOpen = errors.New("circuit breaker: circuit is open")
)

// CircuitBreakerError represents a rejected call with breaker context
type CircuitBreakerError struct {
	Name             string
	State            State
	Op               string
	Failures         int
	FailureThreshold int
	NextRetry        time.Time
}

func (e *CircuitBreakerError) Error() string {
	switch e.State {
	case StateOpen:
		retryIn := time.Until(e.NextRetry).Round(time.Millisecond)
		if retryIn < 0 {
			retryIn = 0
		}
		return fmt.Sprintf("circuit breaker %s open: %s blocked (failures=%d/%d, retry in %v)",
			e.Name, e.Op, e.Failures, e.FailureThreshold, retryIn)
	case StateHalfOpen:
		return fmt.Sprintf("circuit breaker %s half-open: %s limited", e.Name, e.Op)
	default:
		return fmt.Sprintf("circuit breaker %s: %s rejected in state %v", e.Name, e.Op, e.State)
	}
}

// Is makes every CircuitBreakerError match ErrCircuitOpen
func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrCircuitOpen
}
