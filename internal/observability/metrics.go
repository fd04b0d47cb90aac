package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the runtime's Prometheus collectors.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.AgentEvent("agent_message")
//	metrics.RecordRetrieval("hybrid", "success", time.Since(start).Seconds())
type Metrics struct {
	// AgentEvents counts events published to task queues.
	// Labels: kind
	AgentEvents *prometheus.CounterVec

	// LLMRequestDuration measures model call latency in seconds.
	// Labels: provider, model
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts model calls.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations.
	// Labels: tool_name, status (success|error)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	ToolExecutionDuration *prometheus.HistogramVec

	// SegmentsIndexed counts segments reaching a terminal indexing status.
	// Labels: status (completed|error)
	SegmentsIndexed *prometheus.CounterVec

	// DocumentsIndexed counts documents finishing a build.
	// Labels: status (completed|error)
	DocumentsIndexed *prometheus.CounterVec

	// RetrievalCounter counts retrieval requests.
	// Labels: strategy, status (success|error)
	RetrievalCounter *prometheus.CounterVec

	// RetrievalDuration measures retrieval latency in seconds.
	// Labels: strategy
	RetrievalDuration *prometheus.HistogramVec

	// LockContention counts attempts to take a lock already held.
	// Labels: lock (key prefix)
	LockContention *prometheus.CounterVec

	// TaskCounter counts background task attempts.
	// Labels: task, status (success|retry|failed)
	TaskCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP API request latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all collectors and registers them with reg.
// Pass prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		AgentEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmops_agent_events_total",
				Help: "Total number of agent events published by kind",
			},
			[]string{"kind"},
		),

		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmops_llm_request_duration_seconds",
				Help:    "Duration of LLM API requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmops_llm_requests_total",
				Help: "Total number of LLM requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmops_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmops_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		SegmentsIndexed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmops_segments_indexed_total",
				Help: "Total number of segments that finished indexing by status",
			},
			[]string{"status"},
		),

		DocumentsIndexed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmops_documents_indexed_total",
				Help: "Total number of documents that finished indexing by status",
			},
			[]string{"status"},
		),

		RetrievalCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmops_retrieval_requests_total",
				Help: "Total number of retrieval requests by strategy and status",
			},
			[]string{"strategy", "status"},
		),

		RetrievalDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmops_retrieval_duration_seconds",
				Help:    "Duration of retrieval requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"strategy"},
		),

		LockContention: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmops_lock_contention_total",
				Help: "Total number of lock acquisitions that found the lock held",
			},
			[]string{"lock"},
		),

		TaskCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llmops_task_attempts_total",
				Help: "Total number of background task attempts by task and status",
			},
			[]string{"task", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llmops_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// AgentEvent counts one published agent event.
func (m *Metrics) AgentEvent(kind string) {
	if m == nil {
		return
	}
	m.AgentEvents.WithLabelValues(kind).Inc()
}

// RecordLLMRequest records metrics for an LLM API request.
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
}

// RecordToolExecution records metrics for a tool execution.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// SegmentsFinished adds n segments that reached status.
func (m *Metrics) SegmentsFinished(status string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.SegmentsIndexed.WithLabelValues(status).Add(float64(n))
}

// DocumentFinished counts one document build outcome.
func (m *Metrics) DocumentFinished(status string) {
	if m == nil {
		return
	}
	m.DocumentsIndexed.WithLabelValues(status).Inc()
}

// RecordRetrieval records metrics for a retrieval request.
func (m *Metrics) RecordRetrieval(strategy, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.RetrievalCounter.WithLabelValues(strategy, status).Inc()
	m.RetrievalDuration.WithLabelValues(strategy).Observe(durationSeconds)
}

// LockContended counts a contended lock. The key is reduced to its prefix
// so per-resource ids do not explode label cardinality.
func (m *Metrics) LockContended(key string) {
	if m == nil {
		return
	}
	m.LockContention.WithLabelValues(lockLabel(key)).Inc()
}

// RecordTask counts one background task attempt.
func (m *Metrics) RecordTask(task, status string) {
	if m == nil {
		return
	}
	m.TaskCounter.WithLabelValues(task, status).Inc()
}

// RecordHTTPRequest records metrics for an HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, statusCode).Observe(durationSeconds)
}

// lockLabel trims the trailing resource id from keys shaped like
// "lock:keyword_table:update:keyword_table_<id>".
func lockLabel(key string) string {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}
