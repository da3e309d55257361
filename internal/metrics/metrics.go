package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Research task metrics
	TasksSpawned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_tasks_spawned_total",
			Help: "Total number of research tasks spawned",
		},
		[]string{"agent_role"},
	)

	TaskSpawnFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospector_task_spawn_failures_total",
			Help: "Total number of research tasks that failed to spawn",
		},
	)

	TasksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospector_tasks_completed_total",
			Help: "Total number of research tasks that reported completion",
		},
	)

	TasksAborted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospector_tasks_aborted_total",
			Help: "Total number of research tasks aborted",
		},
	)

	PollIterations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_poll_iterations_total",
			Help: "Total number of poll iterations by outcome",
		},
		[]string{"status"},
	)

	LearningsExtracted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_learnings_extracted_total",
			Help: "Total number of tagged learnings extracted from session messages",
		},
		[]string{"category"},
	)

	// Findings store metrics
	FindingsAccepted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospector_findings_accepted_total",
			Help: "Total number of findings accepted into the durable log",
		},
	)

	FindingsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_findings_rejected_total",
			Help: "Total number of findings rejected by the rate limiter",
		},
		[]string{"reason"},
	)

	LimiterSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "prospector_limiter_sessions",
			Help: "Current number of sessions tracked by the rate limiter",
		},
	)

	LimiterEvictions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospector_limiter_evictions_total",
			Help: "Total number of limiter entries evicted from the bounded map",
		},
	)

	// Summarizer metrics
	Summaries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_summaries_total",
			Help: "Total number of transcript summaries by outcome",
		},
		[]string{"status"},
	)

	SummaryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "prospector_summary_duration_seconds",
			Help:    "Completion-endpoint summary latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	TranscriptTruncations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "prospector_transcript_truncations_total",
			Help: "Total number of transcripts truncated to the character budget",
		},
	)

	// Gateway metrics
	GatewayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "prospector_gateway_requests_total",
			Help: "Total number of agent-runtime API requests",
		},
		[]string{"operation", "status"},
	)

	GatewayRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "prospector_gateway_request_duration_seconds",
			Help:    "Agent-runtime API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// RecordGatewayRequest records one agent-runtime API call.
func RecordGatewayRequest(operation, status string, durationSeconds float64) {
	GatewayRequests.WithLabelValues(operation, status).Inc()
	GatewayRequestDuration.WithLabelValues(operation).Observe(durationSeconds)
}

// RecordSummary records a summarization attempt and its latency.
func RecordSummary(status string, durationSeconds float64) {
	Summaries.WithLabelValues(status).Inc()
	if durationSeconds > 0 {
		SummaryDuration.Observe(durationSeconds)
	}
}
