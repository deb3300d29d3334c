package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vietddude/lens/internal/core/domain"
)

var (
	// RequestsTotal tracks Identify calls by result
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lens_requests_total",
			Help: "Total number of identification requests",
		},
		[]string{"result"},
	)

	// RequestDuration tracks end-to-end Identify latency
	RequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lens_request_duration_seconds",
			Help:    "Identification request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ProviderCallsTotal tracks per-provider outcomes
	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lens_provider_calls_total",
			Help: "Total number of provider calls by outcome",
		},
		[]string{"provider", "outcome"},
	)

	// ProviderAttemptsTotal tracks attempts including retries
	ProviderAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lens_provider_attempts_total",
			Help: "Total number of provider attempts including retries",
		},
		[]string{"provider"},
	)

	// ProviderErrorsTotal tracks failed calls by failure kind
	ProviderErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lens_provider_errors_total",
			Help: "Total number of failed provider calls",
		},
		[]string{"provider", "kind"},
	)

	// ProviderLatency tracks provider call latency
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lens_provider_latency_seconds",
			Help:    "Provider call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// BreakerState is 0 closed, 1 open, 2 half-open
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "lens_breaker_state",
			Help: "Circuit breaker state per provider (0 closed, 1 open, 2 half-open)",
		},
		[]string{"provider"},
	)

	// BreakerTransitionsTotal tracks circuit transitions
	BreakerTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lens_breaker_transitions_total",
			Help: "Total number of circuit breaker transitions",
		},
		[]string{"provider", "to"},
	)

	// CacheOperationsTotal tracks result cache lookups and writes
	CacheOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lens_cache_operations_total",
			Help: "Total number of result cache operations",
		},
		[]string{"op", "result"},
	)

	// EventsDropped counts events discarded by a full dispatcher queue
	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "lens_events_dropped_total",
			Help: "Total number of observability events dropped",
		},
	)

	// JournalPoolUsage tracks journal connection pool usage percentage
	JournalPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lens_journal_pool_usage_percent",
			Help: "Journal database connection pool usage percentage",
		},
	)
)

// ObserveOutcome records one provider outcome.
func ObserveOutcome(o domain.Outcome) {
	ProviderCallsTotal.WithLabelValues(o.Provider, string(o.Status)).Inc()
	if o.Attempts > 0 {
		ProviderAttemptsTotal.WithLabelValues(o.Provider).Add(float64(o.Attempts))
	}
	if o.Status == domain.OutcomeFailure {
		ProviderErrorsTotal.WithLabelValues(o.Provider, string(o.Kind)).Inc()
	}
	if o.Status != domain.OutcomeShortCircuited {
		ProviderLatency.WithLabelValues(o.Provider).Observe(o.Latency.Seconds())
	}
}

// ObserveRequest records one Identify call.
func ObserveRequest(result string, elapsed time.Duration) {
	RequestsTotal.WithLabelValues(result).Inc()
	RequestDuration.Observe(elapsed.Seconds())
}
