package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func newRecordingTracer() (*Tracer, *tracetest.SpanRecorder) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	return &Tracer{provider: provider, tracer: provider.Tracer("test")}, recorder
}

func TestNewTracer_NoEndpointIsNoop(t *testing.T) {
	tracer, shutdown := NewTracer(TraceConfig{})
	defer func() { _ = shutdown(context.Background()) }()

	if tracer.config.ServiceName != "llmops" {
		t.Errorf("ServiceName = %q, want llmops", tracer.config.ServiceName)
	}
	ctx, span := tracer.TraceRetrieval(context.Background(), "semantic", []string{"ds-1"})
	span.End()
	if TraceID(ctx) != "" {
		t.Error("no-op tracer should not produce a valid trace id")
	}
}

func TestTracer_SpanNamesAndAttributes(t *testing.T) {
	tracer, recorder := newRecordingTracer()
	ctx := context.Background()

	_, turn := tracer.TraceAgentTurn(ctx, "task-1", "web_app")
	turn.End()
	_, build := tracer.TraceIndexBuild(ctx, []string{"d1", "d2"})
	build.End()
	_, tool := tracer.TraceToolExecution(ctx, "dataset_retrieval")
	tool.End()

	spans := recorder.Ended()
	if len(spans) != 3 {
		t.Fatalf("got %d spans, want 3", len(spans))
	}
	wantNames := []string{"agent.turn", "indexing.build", "tool.dataset_retrieval"}
	for i, s := range spans {
		if s.Name() != wantNames[i] {
			t.Errorf("span %d name = %q, want %q", i, s.Name(), wantNames[i])
		}
	}
	var found bool
	for _, kv := range spans[1].Attributes() {
		if string(kv.Key) == "indexing.documents" && kv.Value.AsInt64() == 2 {
			found = true
		}
	}
	if !found {
		t.Error("indexing.documents attribute missing")
	}
}

func TestRecordError_SetsStatus(t *testing.T) {
	tracer, recorder := newRecordingTracer()

	ctx, span := tracer.Start(context.Background(), "op", trace.SpanKindInternal)
	if TraceID(ctx) == "" {
		t.Error("expected active trace inside span")
	}
	tracer.RecordError(span, nil)
	tracer.RecordError(span, errors.New("boom"))
	span.End()

	spans := recorder.Ended()
	if len(spans) != 1 || spans[0].Status().Code != codes.Error {
		t.Fatalf("span status = %+v", spans)
	}
	if got := len(spans[0].Events()); got != 1 {
		t.Fatalf("recorded %d error events, want 1", got)
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{-1, "AlwaysOffSampler"},
		{0.25, "TraceIDRatioBased{0.25}"},
	}
	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); got != tt.want {
			t.Errorf("sampler(%v) = %q, want %q", tt.rate, got, tt.want)
		}
	}
}

func TestNilTracer_UsesGlobalProvider(t *testing.T) {
	var tracer *Tracer
	_, span := tracer.Start(context.Background(), "op", trace.SpanKindInternal)
	span.End()
}
