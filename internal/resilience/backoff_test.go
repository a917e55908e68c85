package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelayCapped(t *testing.T) {
	p := BackoffPolicy{Base: 200 * time.Millisecond, Cap: 1 * time.Second, MaxAttempts: 8}

	for attempt := 1; attempt <= 20; attempt++ {
		d := p.Delay(attempt)
		assert.LessOrEqual(t, d, p.Cap)
		assert.GreaterOrEqual(t, d, time.Duration(0))
	}
}

func TestBackoffDelayZeroAttempt(t *testing.T) {
	p := DefaultReadPolicy()
	assert.Equal(t, time.Duration(0), p.Delay(0))
}

func TestExhaustedAt(t *testing.T) {
	p := DefaultWritePolicy()
	assert.False(t, p.ExhaustedAt(1))
	assert.False(t, p.ExhaustedAt(4))
	assert.True(t, p.ExhaustedAt(5))
	assert.True(t, p.ExhaustedAt(6))
}
