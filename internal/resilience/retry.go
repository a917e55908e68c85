package resilience

import (
	"context"
	"time"

	"github.com/daloraclehub/dalcore/internal/apperrors"
)

// Caller wraps a BreakerRegistry and retry policy into the single entry
// point every external-service client (registry, objectstore, mlservice)
// drives its calls through: classify the error, consult the breaker,
// retry with backoff if the classification allows it.
type Caller struct {
	Breaker *BreakerRegistry
	Metrics *Metrics
}

// NewCaller builds a Caller around breakers with m as an optional metrics
// sink (nil disables instrumentation, useful in tests).
func NewCaller(breakers *BreakerRegistry, m *Metrics) *Caller {
	return &Caller{Breaker: breakers, Metrics: m}
}

// Do executes fn against endpoint under policy, retrying Transient
// failures with full-jitter backoff until the policy's attempt budget is
// exhausted, at which point it returns ErrorTypeTransient ("Unavailable").
// InvalidInput, PermissionDenied, Conflict, and Permanent errors are never
// retried and are returned immediately. fn must return (statusCode, err)
// where statusCode is 0 when no HTTP response was received.
func (c *Caller) Do(ctx context.Context, endpoint, op string, policy BackoffPolicy, fn func(ctx context.Context) (statusCode int, err error)) error {
	for attempt := 1; ; attempt++ {
		if c.Metrics != nil && attempt > 1 {
			c.Metrics.RetryAttempts.WithLabelValues(endpoint, op).Inc()
		}

		callErr := c.Breaker.Execute(endpoint, func() error {
			status, err := fn(ctx)
			if err == nil && status < 400 {
				return nil
			}
			classified := Classify(err, status)
			if classified == nil {
				return nil
			}
			return classified.WithDetailsf("op=%s endpoint=%s", op, endpoint)
		})

		if callErr == nil {
			return nil
		}

		classified, ok := callErr.(*apperrors.AppError)
		if !ok {
			return callErr
		}

		if classified.Type != apperrors.ErrorTypeTransient {
			return classified
		}
		if policy.ExhaustedAt(attempt) {
			if c.Metrics != nil {
				c.Metrics.RetriesExhausted.WithLabelValues(endpoint, op).Inc()
			}
			return apperrors.Wrapf(classified, apperrors.ErrorTypeTransient, "%s unavailable after %d attempts", op, attempt)
		}

		delay := policy.Delay(attempt)
		select {
		case <-ctx.Done():
			return apperrors.Wrap(ctx.Err(), apperrors.ErrorTypeTransient, "retry wait cancelled")
		case <-time.After(delay):
		}
	}
}
