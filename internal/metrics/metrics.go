package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// Counters
	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_tasks_submitted_total",
			Help: "Review tasks submitted, by agent and delivery mode",
		},
		[]string{"agent", "mode"},
	)

	TasksCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_tasks_completed_total",
			Help: "Review tasks reaching a terminal state, by agent and status",
		},
		[]string{"agent", "status"},
	)

	TasksRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_tasks_rejected_total",
			Help: "Submissions rejected before a task was created",
		},
		[]string{"reason"},
	)

	SectionsModifiedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_sections_modified_total",
			Help: "Section rewrites produced, by agent and record status",
		},
		[]string{"agent", "status"},
	)

	LLMCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_calls_total",
			Help: "LLM completion calls, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	SearchCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "search_calls_total",
			Help: "Web search calls, by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	ArtifactsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_artifacts_written_total",
			Help: "Artifact files written, by kind",
		},
		[]string{"kind"},
	)

	CleanupRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cleanup_runs_total",
			Help: "Terminal-task sweep operations completed",
		},
		[]string{},
	)

	TasksSweptTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "review_tasks_swept_total",
			Help: "Terminal tasks removed by the cleanup sweep",
		},
		[]string{},
	)

	ReviewsIndexedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviews_indexed_total",
			Help: "Completed review summaries indexed to Elasticsearch",
		},
		[]string{},
	)

	IndexErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "index_errors_total",
			Help: "Elasticsearch indexing errors",
		},
		[]string{},
	)

	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_events_published_total",
			Help: "Task lifecycle events published to Kafka",
		},
		[]string{},
	)

	EventPublishErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_event_publish_errors_total",
			Help: "Kafka publish failures for task lifecycle events",
		},
		[]string{},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "API requests",
		},
		[]string{"endpoint", "method"},
	)

	APIErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_errors_total",
			Help: "API errors by error code",
		},
		[]string{"error_code"},
	)

	RateLimitHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_hits_total",
			Help: "Rate limiter hits",
		},
		[]string{},
	)

	WebSocketConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_connections_total",
			Help: "WebSocket task-feed connections established",
		},
		[]string{},
	)

	WebSocketMessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_messages_dropped_total",
			Help: "Task-feed messages dropped due to full client buffers",
		},
		[]string{},
	)

	// Gauges
	TasksActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "review_tasks_active",
			Help: "Tasks currently in the processing state",
		},
		[]string{},
	)

	TasksQueued = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "review_tasks_queued",
			Help: "Tasks waiting for a worker",
		},
		[]string{},
	)

	APIRequestsInFlight = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "api_requests_in_flight",
			Help: "Concurrent API requests",
		},
		[]string{},
	)

	WebSocketConnectionsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "websocket_connections_active",
			Help: "Currently active WebSocket connections",
		},
		[]string{},
	)

	// Histograms
	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "review_task_duration_seconds",
			Help:    "End-to-end task duration, by agent",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"agent"},
	)

	LLMCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_duration_seconds",
			Help:    "LLM completion duration, by provider",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"provider"},
	)

	SearchCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "search_call_duration_seconds",
			Help:    "Web search duration, by provider",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	registerOnce sync.Once
)

// InitMetrics registers all metrics with the default Prometheus registry.
// Safe to call more than once.
func InitMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			TasksSubmittedTotal,
			TasksCompletedTotal,
			TasksRejectedTotal,
			SectionsModifiedTotal,
			LLMCallsTotal,
			SearchCallsTotal,
			ArtifactsWrittenTotal,
			CleanupRunsTotal,
			TasksSweptTotal,
			ReviewsIndexedTotal,
			IndexErrorsTotal,
			EventsPublishedTotal,
			EventPublishErrorsTotal,
			APIRequestsTotal,
			APIErrorsTotal,
			RateLimitHitsTotal,
			WebSocketConnectionsTotal,
			WebSocketMessagesDropped,
			TasksActive,
			TasksQueued,
			APIRequestsInFlight,
			WebSocketConnectionsActive,
			TaskDuration,
			LLMCallDuration,
			SearchCallDuration,
			APIRequestDuration,
		)
	})
}
