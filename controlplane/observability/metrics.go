// Package observability provides Prometheus metrics instrumentation for the
// control plane.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// CLASSIFICATION METRICS
// =============================================================================

var (
	classificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_classifications_total",
			Help: "Total number of turn classifications",
		},
		[]string{"type", "method"},
	)

	classificationLatencySeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autopilot_classification_latency_seconds",
			Help:    "Turn classification latency in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
	)
)

// =============================================================================
// CONTROLLER METRICS
// =============================================================================

var (
	actionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_actions_total",
			Help: "Total controller actions by type",
		},
		[]string{"action"}, // continue, pause, stop, retry, no_op
	)

	pausesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autopilot_pauses_total",
			Help: "Total session pauses by reason",
		},
		[]string{"reason"},
	)

	autoResponsesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autopilot_auto_responses_total",
			Help: "Total automatic responses sent",
		},
	)

	sessionTokens = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autopilot_session_tokens",
			Help: "Token consumption of the active session",
		},
	)
)

// =============================================================================
// SAFETY METRICS
// =============================================================================

var riskDetectionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "autopilot_risk_detections_total",
		Help: "Total non-LOW risk assessments by level",
	},
	[]string{"level"}, // MEDIUM, HIGH
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordClassification records one classification result.
func RecordClassification(msgType, method string) {
	classificationsTotal.WithLabelValues(msgType, method).Inc()
}

// ObserveClassificationLatency records classification latency.
func ObserveClassificationLatency(seconds float64) {
	classificationLatencySeconds.Observe(seconds)
}

// RecordAction records one controller action.
func RecordAction(action string) {
	actionsTotal.WithLabelValues(action).Inc()
}

// RecordPause records one session pause.
func RecordPause(reason string) {
	pausesTotal.WithLabelValues(reason).Inc()
}

// RecordAutoResponse records one automatic response.
func RecordAutoResponse() {
	autoResponsesTotal.Inc()
}

// RecordRiskDetection records one non-LOW risk assessment.
func RecordRiskDetection(level string) {
	riskDetectionsTotal.WithLabelValues(level).Inc()
}

// SetSessionTokens updates the active session's token gauge.
func SetSessionTokens(tokens float64) {
	sessionTokens.Set(tokens)
}
