// Package observability provides structured logging, Prometheus metrics and
// OpenTelemetry tracing for the llmops runtime.
//
// # Logging
//
// NewLogger builds a slog logger that redacts secrets and copies task,
// dataset and document ids from the context into every record:
//
//	logger := observability.NewLogger(observability.LogConfig{Level: "info", Format: "json"})
//	ctx = observability.WithTaskID(ctx, taskID)
//	logger.InfoContext(ctx, "agent turn started")
//
// # Metrics
//
// All metrics live under the llmops_ prefix. A nil *Metrics is valid and
// records nothing, so components can take metrics as an optional dependency.
//
// # Tracing
//
// NewTracer exports spans over OTLP gRPC when an endpoint is configured and
// is a no-op otherwise. A nil *Tracer falls back to the global provider.
package observability
