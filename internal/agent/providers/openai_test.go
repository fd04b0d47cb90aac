package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/pkg/models"
)

type stubTool struct {
	name   string
	schema string
}

func (s stubTool) Name() string            { return s.name }
func (s stubTool) Description() string     { return "stub " + s.name }
func (s stubTool) Schema() json.RawMessage { return json.RawMessage(s.schema) }
func (s stubTool) Execute(context.Context, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{}, nil
}

func drain(t *testing.T, ch <-chan *agent.CompletionChunk) (string, []models.ToolCall, *agent.CompletionChunk, error) {
	t.Helper()
	var (
		text  strings.Builder
		calls []models.ToolCall
		last  *agent.CompletionChunk
	)
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return text.String(), calls, last, nil
			}
			last = chunk
			if chunk.Error != nil {
				return text.String(), calls, last, chunk.Error
			}
			text.WriteString(chunk.Text)
			if chunk.ToolCall != nil {
				calls = append(calls, *chunk.ToolCall)
			}
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
}

func writeSSE(w http.ResponseWriter, lines ...string) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	for _, line := range lines {
		fmt.Fprintf(w, "data: %s\n\n", line)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
	}
}

func newOpenAITestProvider(t *testing.T, handler http.HandlerFunc) *OpenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	p, err := NewOpenAIProvider(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    server.URL + "/v1",
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewOpenAIProvider: %v", err)
	}
	return p
}

func TestNewOpenAIProvider_RequiresKey(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{APIKey: "  "}); err == nil {
		t.Fatal("expected error for empty API key")
	}
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "k"})
	if err != nil {
		t.Fatal(err)
	}
	if p.Name() != "openai" || p.defaultModel == "" || p.retry.maxRetries != defaultMaxRetries {
		t.Errorf("defaults not applied: %+v", p)
	}
}

func TestOpenAIProvider_StreamsText(t *testing.T) {
	var body map[string]any
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		writeSSE(w,
			`{"id":"1","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
			`{"id":"1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"id":"1","choices":[],"usage":{"prompt_tokens":7,"completion_tokens":2,"total_tokens":9}}`,
			`[DONE]`,
		)
	})

	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Model:    "gpt-4o-mini",
		System:   "be brief",
		Messages: []models.Message{models.HumanMessage("hi")},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	text, calls, last, err := drain(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "Hello" || len(calls) != 0 {
		t.Errorf("text = %q, calls = %v", text, calls)
	}
	if !last.Done || last.InputTokens != 7 || last.OutputTokens != 2 {
		t.Errorf("final chunk = %+v", last)
	}

	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", body["messages"])
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" || first["content"] != "be brief" {
		t.Errorf("system message = %v", first)
	}
}

func TestOpenAIProvider_AccumulatesToolCalls(t *testing.T) {
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeSSE(w,
			`{"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"dataset_retrieval","arguments":""}}]}}]}`,
			`{"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"current_time","arguments":"{}"}}]}}]}`,
			`{"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"query\":"}}]}}]}`,
			`{"id":"1","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
			`{"id":"1","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
			`[DONE]`,
		)
	})

	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		Messages: []models.Message{models.HumanMessage("q")},
		Tools:    []agent.Tool{stubTool{name: "dataset_retrieval", schema: `{"type":"object"}`}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	_, calls, _, err := drain(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %+v", calls)
	}
	if calls[0].ID != "call_a" || string(calls[0].Input) != `{"query":"go"}` {
		t.Errorf("calls[0] = %+v (%s)", calls[0], calls[0].Input)
	}
	if calls[1].Name != "current_time" {
		t.Errorf("calls[1] = %+v", calls[1])
	}
}

func TestOpenAIProvider_RetriesTransientErrors(t *testing.T) {
	var attempts atomic.Int32
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"Rate limit reached","type":"requests","code":"rate_limit_exceeded"}}`)
			return
		}
		writeSSE(w, `{"id":"1","choices":[{"index":0,"delta":{"content":"ok"}}]}`, `[DONE]`)
	})

	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []models.Message{models.HumanMessage("q")}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if text, _, _, err := drain(t, ch); err != nil || text != "ok" {
		t.Errorf("text = %q, err = %v", text, err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestOpenAIProvider_AuthErrorIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	p := newOpenAITestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"Incorrect API key provided","type":"invalid_request_error","code":"invalid_api_key"}}`)
	})

	_, err := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []models.Message{models.HumanMessage("q")}})
	pe, ok := GetProviderError(err)
	if !ok {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if pe.Reason != ReasonAuth || pe.Status != http.StatusUnauthorized {
		t.Errorf("ProviderError = %+v", pe)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}
