package resilience

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instruments the resilience layer exports.
// This is ambient observability for the core's own retries and breaker
// state, distinct from any downstream metrics pipeline.
type Metrics struct {
	RetryAttempts    *prometheus.CounterVec
	RetriesExhausted *prometheus.CounterVec
	BreakerState     *prometheus.GaugeVec
}

// NewMetrics registers the resilience instruments against reg. Pass a
// fresh prometheus.NewRegistry() in tests to avoid global-registry
// collisions between packages.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RetryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dal",
			Subsystem: "resilience",
			Name:      "retry_attempts_total",
			Help:      "Count of retry attempts against an external endpoint.",
		}, []string{"endpoint", "op"}),
		RetriesExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dal",
			Subsystem: "resilience",
			Name:      "retries_exhausted_total",
			Help:      "Count of operations that exhausted their retry budget.",
		}, []string{"endpoint", "op"}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dal",
			Subsystem: "resilience",
			Name:      "breaker_state",
			Help:      "Circuit breaker state per endpoint (0=closed, 1=half-open, 2=open).",
		}, []string{"endpoint"}),
	}
	reg.MustRegister(m.RetryAttempts, m.RetriesExhausted, m.BreakerState)
	return m
}
