package reliability

import "time"

const (
	// DefaultBackoffStep is the delay added per consecutive failed attempt
	DefaultBackoffStep = time.Second
	// DefaultBackoffMax caps the reconnect delay
	DefaultBackoffMax = 30 * time.Second
)

// BackoffPolicy decides how long to wait before reconnect attempt n (1-based)
type BackoffPolicy interface {
	NextDelay(attempt int) time.Duration
}

// SteppedBackoff grows the delay linearly: min(Step*attempt, Max).
type SteppedBackoff struct {
	Step time.Duration
	Max  time.Duration
}

// NewSteppedBackoff returns the default 1s step, 30s ceiling policy
func NewSteppedBackoff() *SteppedBackoff {
	return &SteppedBackoff{
		Step: DefaultBackoffStep,
		Max:  DefaultBackoffMax,
	}
}

// NextDelay implements BackoffPolicy
func (b *SteppedBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 || b.Step <= 0 {
		return 0
	}

	// Avoid overflow for very long outages
	if b.Max > 0 && attempt >= int(b.Max/b.Step) {
		return b.Max
	}

	delay := b.Step * time.Duration(attempt)
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// FixedBackoff waits the same delay before every attempt
type FixedBackoff struct {
	Delay time.Duration
}

// NextDelay implements BackoffPolicy
func (b FixedBackoff) NextDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	return b.Delay
}
