package resilience

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy controls the full-jitter exponential backoff used when
// retrying a transient external-call failure.
type BackoffPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

// DefaultReadPolicy: base 200ms, cap 30s, 8 attempts.
func DefaultReadPolicy() BackoffPolicy {
	return BackoffPolicy{Base: 200 * time.Millisecond, Cap: 30 * time.Second, MaxAttempts: 8}
}

// DefaultWritePolicy: base 200ms, cap 30s, 5 attempts.
func DefaultWritePolicy() BackoffPolicy {
	return BackoffPolicy{Base: 200 * time.Millisecond, Cap: 30 * time.Second, MaxAttempts: 5}
}

// Delay returns the full-jitter delay before the given attempt (1-indexed):
// a random duration in [0, min(cap, base*2^(attempt-1))).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 || p.Base <= 0 {
		return 0
	}

	exp := math.Pow(2, float64(attempt-1))
	upper := float64(p.Base) * exp
	if math.IsInf(upper, 1) || upper > float64(p.Cap) {
		upper = float64(p.Cap)
	}
	if upper <= 0 {
		return 0
	}

	return time.Duration(rand.Float64() * upper)
}

// ExhaustedAt reports whether attempt has used up the policy's budget.
func (p BackoffPolicy) ExhaustedAt(attempt int) bool {
	return attempt >= p.MaxAttempts
}
