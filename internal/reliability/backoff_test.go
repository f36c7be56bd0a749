package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSteppedBackoff(t *testing.T) {
	t.Run("defaults grow by one second up to thirty", func(t *testing.T) {
		b := NewSteppedBackoff()

		tests := []struct {
			attempt int
			want    time.Duration
		}{
			{0, 0},
			{1, time.Second},
			{2, 2 * time.Second},
			{5, 5 * time.Second},
			{29, 29 * time.Second},
			{30, 30 * time.Second},
			{31, 30 * time.Second},
			{1 << 40, 30 * time.Second},
		}

		for _, tt := range tests {
			assert.Equal(t, tt.want, b.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("custom step and ceiling", func(t *testing.T) {
		b := &SteppedBackoff{Step: 10 * time.Millisecond, Max: 25 * time.Millisecond}

		assert.Equal(t, 10*time.Millisecond, b.NextDelay(1))
		assert.Equal(t, 20*time.Millisecond, b.NextDelay(2))
		assert.Equal(t, 25*time.Millisecond, b.NextDelay(3))
	})

	t.Run("no ceiling", func(t *testing.T) {
		b := &SteppedBackoff{Step: time.Millisecond}
		assert.Equal(t, 100*time.Millisecond, b.NextDelay(100))
	})

	t.Run("never decreases", func(t *testing.T) {
		b := NewSteppedBackoff()
		prev := time.Duration(0)
		for attempt := 1; attempt <= 100; attempt++ {
			d := b.NextDelay(attempt)
			assert.GreaterOrEqual(t, d, prev)
			prev = d
		}
	})
}

func TestFixedBackoff(t *testing.T) {
	b := FixedBackoff{Delay: 5 * time.Millisecond}
	assert.Equal(t, time.Duration(0), b.NextDelay(0))
	assert.Equal(t, 5*time.Millisecond, b.NextDelay(1))
	assert.Equal(t, 5*time.Millisecond, b.NextDelay(50))
}
