package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/daloraclehub/dalcore/internal/apperrors"
)

// BreakerSettings tunes the per-endpoint circuit breaker. Uses a
// leaky-bucket-style failure ratio over a rolling interval.
type BreakerSettings struct {
	// FailureRatio trips the breaker once this fraction of requests in the
	// rolling Interval fail, provided at least MinRequests were observed.
	FailureRatio float64
	MinRequests  uint32
	Interval     time.Duration
	OpenTimeout  time.Duration
	Logger       *slog.Logger
}

// DefaultBreakerSettings is a sane default for a governance/object-store/
// ML-service endpoint: trip at 50% failures over a rolling minute, stay
// open 30s before allowing a half-open probe.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{
		FailureRatio: 0.5,
		MinRequests:  5,
		Interval:     time.Minute,
		OpenTimeout:  30 * time.Second,
	}
}

// BreakerRegistry owns one circuit breaker per named endpoint (governance
// node URL, object-store gateway, ML service endpoint) so a failing node
// doesn't poison calls routed to a healthy one.
type BreakerRegistry struct {
	mu       sync.Mutex
	settings BreakerSettings
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewBreakerRegistry constructs a registry using settings for every
// endpoint it lazily creates a breaker for.
func NewBreakerRegistry(settings BreakerSettings) *BreakerRegistry {
	return &BreakerRegistry{settings: settings, breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *BreakerRegistry) breakerFor(endpoint string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[endpoint]; ok {
		return cb
	}

	settings := r.settings
	logger := settings.Logger
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1, // allow a single half-open probe
		Interval:    settings.Interval,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < settings.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= settings.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if logger != nil {
				logger.Warn("circuit breaker state change", "endpoint", name, "from", from.String(), "to", to.String())
			}
		},
	})
	r.breakers[endpoint] = cb
	return cb
}

// Execute runs fn through the named endpoint's breaker. When the breaker
// is open, fn is never called and an ErrorTypeTransient "Unavailable"
// error is returned immediately ("fail fast").
func (r *BreakerRegistry) Execute(endpoint string, fn func() error) error {
	cb := r.breakerFor(endpoint)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.Wrapf(err, apperrors.ErrorTypeTransient, "endpoint %s unavailable", endpoint)
	}
	return err
}

// State returns the current breaker state for an endpoint, for health
// reporting (internal/api status surface).
func (r *BreakerRegistry) State(endpoint string) string {
	r.mu.Lock()
	cb, ok := r.breakers[endpoint]
	r.mu.Unlock()
	if !ok {
		return "closed"
	}
	return fmt.Sprintf("%s", cb.State())
}
