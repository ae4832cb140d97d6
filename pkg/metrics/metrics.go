package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Session lifecycle metrics
var (
	SessionsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_sessions_submitted_total",
			Help: "Total number of lab requests submitted, by guardrail decision",
		},
		[]string{"severity", "decision"},
	)

	SessionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_session_transitions_total",
			Help: "Total number of applied session state transitions",
		},
		[]string{"from", "to"},
	)

	RejectedTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_session_rejected_transitions_total",
			Help: "Total number of rejected session events",
		},
		[]string{"state", "event"},
	)

	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "lab_sessions_active",
			Help: "Number of sessions in a non-terminal state",
		},
	)

	SessionExtensions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_session_extensions_total",
			Help: "Total number of TTL extension attempts",
		},
		[]string{"status"},
	)
)

// Pipeline metrics
var (
	PipelineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_pipeline_outcomes_total",
			Help: "Total number of finished pipelines, by signal",
		},
		[]string{"pipeline", "signal"},
	)

	PipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lab_pipeline_duration_seconds",
			Help:    "Pipeline execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1.1 hours
		},
		[]string{"pipeline"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "lab_step_duration_seconds",
			Help:    "Step execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14), // 100ms to ~27 minutes
		},
		[]string{"step", "status"},
	)

	ProgressClamped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_step_progress_clamped_total",
			Help: "Total number of ignored out-of-range or decreasing progress reports",
		},
		[]string{"step"},
	)
)

// Evidence metrics
var (
	EvidencePackaged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_evidence_packages_total",
			Help: "Total number of packaging attempts",
		},
		[]string{"status"},
	)

	ArtifactBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "lab_artifact_size_bytes",
			Help:    "Size of collected artifacts",
			Buckets: prometheus.ExponentialBuckets(1024, 4, 10), // 1KiB to ~256MiB
		},
	)

	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lab_evidence_deliveries_total",
			Help: "Total number of evidence delivery attempts",
		},
		[]string{"kind", "status"},
	)
)

// Workflow metrics
var (
	WorkflowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "temporal_workflows_started_total",
			Help: "Total number of workflows started",
		},
		[]string{"workflow_type"},
	)

	WorkflowsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "temporal_workflows_completed_total",
			Help: "Total number of workflows completed",
		},
		[]string{"workflow_type", "status"},
	)

	ActivityDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "temporal_activity_duration_seconds",
			Help:    "Activity execution duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1.7 minutes
		},
		[]string{"activity_name"},
	)

	ActivityErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "temporal_activity_errors_total",
			Help: "Total number of activity errors",
		},
		[]string{"activity_name", "error_type"},
	)

	ActiveWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "temporal_active_workers",
			Help: "Number of active Temporal workers",
		},
	)
)

// HTTP metrics
var (
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
