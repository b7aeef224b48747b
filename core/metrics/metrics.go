// Package metrics provides Prometheus instrumentation for the quota client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Attempt outcomes.
const (
	OutcomeSuccess       = "success"
	OutcomeQuotaExceeded = "quota_exceeded"
	OutcomeServerError   = "server_error"
	OutcomeTransport     = "transport_error"
	OutcomeSkipped       = "skipped"
)

var (
	// AttemptsTotal counts every consumed attempt by outcome.
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "quota_attempts_total",
			Help: "Attempts consumed by the quota client, by outcome.",
		},
		[]string{"outcome"},
	)

	// RotationsTotal counts key rotations caused by failures or skips.
	RotationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_key_rotations_total",
			Help: "Total number of key rotations.",
		},
	)

	// ExhaustedCallsTotal counts logical calls that ran out of retry budget.
	ExhaustedCallsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_exhausted_calls_total",
			Help: "Calls that failed because every key was exhausted.",
		},
	)

	// QuotaResetsTotal counts global clears of the exhaustion flags.
	QuotaResetsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "quota_resets_total",
			Help: "Times the quota exhaustion flags were cleared.",
		},
	)

	// ActiveKeys tracks how many keys are not flagged exhausted, per client instance.
	ActiveKeys = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "quota_active_keys",
			Help: "Keys currently not flagged as quota exhausted.",
		},
		[]string{"client"},
	)

	// BackoffSeconds observes the delays inserted between failed attempts.
	BackoffSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "quota_backoff_seconds",
			Help:    "Backoff delay applied after a failed attempt.",
			Buckets: []float64{0.1, 0.2, 0.4, 0.8, 1.6, 2},
		},
	)
)

// RecordAttempt records a consumed attempt. Every outcome except success rotates the key.
func RecordAttempt(outcome string) {
	AttemptsTotal.WithLabelValues(outcome).Inc()
	if outcome != OutcomeSuccess {
		RotationsTotal.Inc()
	}
}

// SetActiveKeys updates the active key gauge of one client instance.
func SetActiveKeys(client string, n int) {
	ActiveKeys.WithLabelValues(client).Set(float64(n))
}
