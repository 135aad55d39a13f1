package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelayGrowsAndCaps(t *testing.T) {
	s := Strategy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{12, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, s.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestDelayJitterBounded(t *testing.T) {
	s := Strategy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, Jitter: 0.5}
	for range 50 {
		d := s.Delay(2)
		assert.GreaterOrEqual(t, d, 200*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestIsRetryable(t *testing.T) {
	s := Strategy{MaxAttempts: 3}
	assert.True(t, s.IsRetryable(0))
	assert.True(t, s.IsRetryable(2))
	assert.False(t, s.IsRetryable(3))

	unlimited := Strategy{}
	assert.True(t, unlimited.IsRetryable(1000))
}
