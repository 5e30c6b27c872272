package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_requests_total",
			Help: "Total number of protected requests by final HTTP status",
		},
		[]string{"operation", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotaguard_request_duration_seconds",
			Help:    "Protected request duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_rate_limit_hits_total",
			Help: "Total number of requests denied by the sliding-window limiter",
		},
		[]string{"operation"},
	)

	QuotaDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_quota_decisions_total",
			Help: "Total number of quota reservation decisions by reason code",
		},
		[]string{"operation", "reason"},
	)

	QuotaConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quotaguard_quota_conflicts_total",
			Help: "Total number of optimistic transaction conflicts retried",
		},
	)

	QuotaErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_quota_errors_total",
			Help: "Total number of reservations that failed closed",
		},
		[]string{"operation", "error_type"},
	)

	QuotaReserveDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "quotaguard_quota_reserve_duration_seconds",
			Help:    "Duration of quota reservation transactions including retries",
			Buckets: []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1, 2},
		},
		[]string{"operation"},
	)

	LimiterEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotaguard_limiter_entries",
			Help: "Number of keys tracked by the in-memory sliding-window limiter",
		},
	)

	LimiterEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quotaguard_limiter_evictions_total",
			Help: "Total number of stale limiter keys removed by sweeps",
		},
	)

	StoreBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "quotaguard_store_breaker_state",
			Help: "Quota store circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_alerts_sent_total",
			Help: "Total number of abuse alerts published",
		},
		[]string{"type"},
	)

	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quotaguard_jobs_enqueued_total",
			Help: "Total number of granted operations handed off to workers",
		},
		[]string{"operation"},
	)
)

func RecordRequest(operation, status string, durationSec float64) {
	RequestsTotal.WithLabelValues(operation, status).Inc()
	RequestDuration.WithLabelValues(operation).Observe(durationSec)
}

func RecordRateLimitHit(operation string) {
	RateLimitHits.WithLabelValues(operation).Inc()
}

func RecordQuotaDecision(operation, reason string, durationSec float64) {
	QuotaDecisions.WithLabelValues(operation, reason).Inc()
	QuotaReserveDuration.WithLabelValues(operation).Observe(durationSec)
}

func RecordQuotaConflict() {
	QuotaConflicts.Inc()
}

func RecordQuotaError(operation, errorType string) {
	QuotaErrors.WithLabelValues(operation, errorType).Inc()
}

func SetLimiterEntries(n int) {
	LimiterEntries.Set(float64(n))
}

func RecordLimiterEvictions(n int) {
	LimiterEvictions.Add(float64(n))
}

func SetStoreBreakerState(state int) {
	StoreBreakerState.Set(float64(state))
}

func RecordAlert(alertType string) {
	AlertsSent.WithLabelValues(alertType).Inc()
}

func RecordJobEnqueued(operation string) {
	JobsEnqueued.WithLabelValues(operation).Inc()
}
