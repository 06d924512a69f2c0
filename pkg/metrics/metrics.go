// Package metrics defines and registers the coordinator's Prometheus
// metrics: one family per pulse stage (intake, intent pipeline, manifest
// claims, execution, verification, guardrails, escalation), plus the
// generic Timer helper and HTTP handlers used to expose and probe them.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pulse metrics
	PulsesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "calyx_pulses_total",
			Help: "Total number of coordinator pulses executed",
		},
	)

	PulseDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "calyx_pulse_duration_seconds",
			Help:    "Time taken for a full coordinator pulse in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	EventsIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "calyx_events_ingested_total",
			Help: "Total number of telemetry event envelopes ingested",
		},
	)

	// Intent pipeline metrics
	IntentsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "calyx_intents_queued",
			Help: "Number of intents currently queued",
		},
	)

	IntentsRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calyx_intents_rejected_total",
			Help: "Total number of intents rejected at ingestion, by reason",
		},
		[]string{"reason"},
	)

	IntentsExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "calyx_intents_expired_total",
			Help: "Total number of intents removed for expiry",
		},
	)

	// Manifest / execution metrics
	ManifestsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "calyx_manifests_created_total",
			Help: "Total number of execution manifests created",
		},
	)

	ManifestClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calyx_manifest_claims_total",
			Help: "Total number of manifest claim attempts by outcome",
		},
		[]string{"outcome"}, // claimed, rejected
	)

	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calyx_executions_total",
			Help: "Total number of domain executions by capability and status",
		},
		[]string{"capability", "status"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "calyx_execution_duration_seconds",
			Help:    "Time taken to run a single autonomous domain execution",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"capability"},
	)

	// Verification / confidence metrics
	ConfidenceScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "calyx_confidence_score",
			Help: "Current learned confidence score per capability",
		},
		[]string{"capability"},
	)

	// Guardrail / escalation metrics
	GuardrailViolationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calyx_guardrail_violations_total",
			Help: "Total number of guardrail violations observed, by kind",
		},
		[]string{"kind"},
	)

	StallsDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "calyx_stalls_detected_total",
			Help: "Total number of in-flight executions detected as stalled",
		},
	)

	EscalationsOpenTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "calyx_escalations_open",
			Help: "Number of currently unresolved escalations",
		},
	)
)

func init() {
	prometheus.MustRegister(
		PulsesTotal,
		PulseDuration,
		EventsIngestedTotal,
		IntentsQueued,
		IntentsRejectedTotal,
		IntentsExpiredTotal,
		ManifestsCreatedTotal,
		ManifestClaimsTotal,
		ExecutionsTotal,
		ExecutionDuration,
		ConfidenceScore,
		GuardrailViolationsTotal,
		StallsDetectedTotal,
		EscalationsOpenTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
