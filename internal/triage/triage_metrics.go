package triage

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for the triage subsystem.
type Metrics struct {
	AnalysesTotal     *prometheus.CounterVec
	AnalysisDuration  *prometheus.HistogramVec
	StepsTotal        *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	StepAttempts      *prometheus.HistogramVec
	InferenceTotal    *prometheus.CounterVec
	InferenceDuration prometheus.Histogram
	IngestsTotal      *prometheus.CounterVec
	StatusChanges     *prometheus.CounterVec
	OverridesTotal    prometheus.Counter
}

// NewMetrics registers and returns triage metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		AnalysesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_analyses_total",
			Help: "Total finished analysis jobs by final status and priority.",
		}, []string{"status", "priority"}),
		AnalysisDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_analysis_duration_seconds",
			Help:    "Duration of analysis jobs in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10), // 0.5s .. ~256s
		}, []string{"status"}),
		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_job_steps_total",
			Help: "Job step executions by step and outcome (success, error, replayed).",
		}, []string{"step", "outcome"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_job_step_duration_seconds",
			Help:    "Duration of executed job steps in seconds, retries included.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8), // 10ms .. ~164s
		}, []string{"step"}),
		StepAttempts: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sift_job_step_attempts",
			Help:    "Attempts used per executed job step.",
			Buckets: prometheus.LinearBuckets(1, 1, 5), // 1 .. 5
		}, []string{"step"}),
		InferenceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_inference_calls_total",
			Help: "Signal extraction calls by outcome (success or extraction error kind).",
		}, []string{"outcome"}),
		InferenceDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sift_inference_duration_seconds",
			Help:    "Duration of individual signal extraction calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 9), // 0.25s .. 64s
		}),
		IngestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_ingests_total",
			Help: "Total feedback items ingested by source.",
		}, []string{"source"}),
		StatusChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sift_status_changes_total",
			Help: "Manual analysis status changes by target status.",
		}, []string{"status"}),
		OverridesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sift_priority_overrides_total",
			Help: "Total manual priority overrides.",
		}),
	}

	reg.MustRegister(
		m.AnalysesTotal,
		m.AnalysisDuration,
		m.StepsTotal,
		m.StepDuration,
		m.StepAttempts,
		m.InferenceTotal,
		m.InferenceDuration,
		m.IngestsTotal,
		m.StatusChanges,
		m.OverridesTotal,
	)

	return m
}

// Hooks returns OrchestratorHooks that record job metrics.
func (m *Metrics) Hooks() OrchestratorHooks {
	return OrchestratorHooks{
		OnStep: func(step, outcome string, attempts int, duration float64) {
			m.StepsTotal.WithLabelValues(step, outcome).Inc()
			if outcome == "replayed" {
				return
			}
			m.StepDuration.WithLabelValues(step).Observe(duration)
			m.StepAttempts.WithLabelValues(step).Observe(float64(attempts))
		},
		OnInference: func(outcome string, duration float64) {
			m.InferenceTotal.WithLabelValues(outcome).Inc()
			m.InferenceDuration.Observe(duration)
		},
		OnComplete: func(e *CompleteEvent) {
			m.AnalysesTotal.WithLabelValues(string(e.Status), strconv.Itoa(e.Priority)).Inc()
			m.AnalysisDuration.WithLabelValues(string(e.Status)).Observe(e.Duration)
		},
	}
}

// ServiceHooks returns ServiceHooks that record ingest and manual triage metrics.
func (m *Metrics) ServiceHooks() ServiceHooks {
	return ServiceHooks{
		OnIngest: func(source string) {
			m.IngestsTotal.WithLabelValues(source).Inc()
		},
		OnStatus: func(status Status) {
			m.StatusChanges.WithLabelValues(string(status)).Inc()
		},
		OnOverride: func() {
			m.OverridesTotal.Inc()
		},
	}
}
