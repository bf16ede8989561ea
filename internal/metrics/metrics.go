package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Model call metrics
	modelRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cogtrace_model_request_duration_seconds",
			Help:    "Model request duration in seconds by role and model",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
		},
		[]string{"role", "model", "status"},
	)

	fallbackSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cogtrace_fallback_switches_total",
			Help: "Total switches from a primary model to its fallback",
		},
		[]string{"role", "primary"},
	)

	// Pipeline metrics
	sessionsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cogtrace_sessions_processed_total",
			Help: "Total sessions processed by outcome",
		},
		[]string{"status"}, // "success", "error", "flagged"
	)

	sessionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cogtrace_session_duration_seconds",
			Help:    "End-to-end annotation duration per session",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s to ~500s
		},
	)

	// Job metrics
	activeJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cogtrace_active_jobs",
			Help: "Number of jobs currently processing",
		},
	)

	jobsByOutcome = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cogtrace_jobs_total",
			Help: "Total jobs by terminal status",
		},
		[]string{"status"}, // "completed", "stopped", "failed"
	)
)

// RecordModelRequest records a model request duration
func RecordModelRequest(role, model string, duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	modelRequestDuration.WithLabelValues(role, model, status).Observe(duration.Seconds())
}

// RecordFallbackSwitch records a switch to the fallback model for a role
func RecordFallbackSwitch(role, primary string) {
	fallbackSwitches.WithLabelValues(role, primary).Inc()
}

// RecordSessionProcessed increments the per-session outcome counter
func RecordSessionProcessed(status string, duration time.Duration) {
	sessionsProcessed.WithLabelValues(status).Inc()
	sessionDuration.Observe(duration.Seconds())
}

// JobStarted marks a job as actively processing
func JobStarted() {
	activeJobs.Inc()
}

// JobFinished records a job reaching a terminal status
func JobFinished(status string) {
	activeJobs.Dec()
	jobsByOutcome.WithLabelValues(status).Inc()
}
