package providers

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"google.golang.org/genai"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/pkg/models"
)

func geminiResponses(items ...any) iter.Seq2[*genai.GenerateContentResponse, error] {
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, item := range items {
			var ok bool
			switch v := item.(type) {
			case error:
				ok = yield(nil, v)
			case *genai.GenerateContentResponse:
				ok = yield(v, nil)
			}
			if !ok {
				return
			}
		}
	}
}

func geminiParts(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{Content: &genai.Content{Role: genai.RoleModel, Parts: parts}}},
	}
}

func TestNewGeminiProvider_RequiresKey(t *testing.T) {
	if _, err := NewGeminiProvider(GeminiConfig{}); err == nil {
		t.Fatal("expected error for empty API key")
	}
	p := newGeminiProvider(nil, GeminiConfig{MaxRetries: -1})
	if p.Name() != "gemini" || p.defaultModel != "gemini-2.0-flash" || p.retry.maxRetries != 0 {
		t.Errorf("unexpected provider %+v", p)
	}
}

func TestGeminiProvider_StreamsTextAndCalls(t *testing.T) {
	var gotModel string
	var gotConfig *genai.GenerateContentConfig
	var gotContents []*genai.Content
	p := newGeminiProvider(func(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		gotModel, gotContents, gotConfig = model, contents, config
		final := geminiParts(&genai.Part{FunctionCall: &genai.FunctionCall{Name: "clock", Args: map[string]any{"zone": "UTC"}}})
		final.UsageMetadata = &genai.GenerateContentResponseUsageMetadata{PromptTokenCount: 12, CandidatesTokenCount: 4}
		return geminiResponses(geminiParts(&genai.Part{Text: "It is "}), geminiParts(&genai.Part{Text: "noon"}), final)
	}, GeminiConfig{DefaultModel: "gemini-test"})

	ch, err := p.Complete(context.Background(), &agent.CompletionRequest{
		System:    "be brief",
		Messages:  []models.Message{models.HumanMessage("time?")},
		Tools:     []agent.Tool{stubTool{name: "clock", schema: `{"type":"object","properties":{"zone":{"type":"string"}}}`}},
		MaxTokens: 256,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	text, calls, last, err := drain(t, ch)
	if err != nil {
		t.Fatalf("stream error: %v", err)
	}
	if text != "It is noon" {
		t.Errorf("text = %q", text)
	}
	if len(calls) != 1 || calls[0].Name != "clock" || string(calls[0].Input) != `{"zone":"UTC"}` || calls[0].ID == "" {
		t.Errorf("calls = %+v", calls)
	}
	if !last.Done || last.InputTokens != 12 || last.OutputTokens != 4 {
		t.Errorf("last chunk = %+v", last)
	}

	if gotModel != "gemini-test" || len(gotContents) != 1 {
		t.Errorf("model = %q, contents = %d", gotModel, len(gotContents))
	}
	if gotConfig.SystemInstruction == nil || gotConfig.SystemInstruction.Parts[0].Text != "be brief" {
		t.Errorf("system instruction = %+v", gotConfig.SystemInstruction)
	}
	if gotConfig.MaxOutputTokens != 256 {
		t.Errorf("max output tokens = %d", gotConfig.MaxOutputTokens)
	}
	if len(gotConfig.Tools) != 1 || gotConfig.Tools[0].FunctionDeclarations[0].Name != "clock" {
		t.Errorf("tools = %+v", gotConfig.Tools)
	}
}

func TestGeminiProvider_RetriesBeforeOutput(t *testing.T) {
	var attempts atomic.Int32
	p := newGeminiProvider(func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		if attempts.Add(1) < 3 {
			return geminiResponses(errors.New("Error 503, Status: UNAVAILABLE, service unavailable"))
		}
		return geminiResponses(geminiParts(&genai.Part{Text: "ok"}))
	}, GeminiConfig{MaxRetries: 2, RetryDelay: time.Millisecond})

	ch, _ := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []models.Message{models.HumanMessage("q")}})
	if text, _, _, err := drain(t, ch); err != nil || text != "ok" {
		t.Errorf("text = %q, err = %v", text, err)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestGeminiProvider_NoRetryAfterOutput(t *testing.T) {
	var attempts atomic.Int32
	p := newGeminiProvider(func(context.Context, string, []*genai.Content, *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		attempts.Add(1)
		return geminiResponses(geminiParts(&genai.Part{Text: "partial"}), errors.New("503 service unavailable"))
	}, GeminiConfig{MaxRetries: 2, RetryDelay: time.Millisecond})

	ch, _ := p.Complete(context.Background(), &agent.CompletionRequest{Messages: []models.Message{models.HumanMessage("q")}})
	text, _, _, err := drain(t, ch)
	if text != "partial" {
		t.Errorf("text = %q", text)
	}
	pe, ok := GetProviderError(err)
	if !ok || pe.Provider != "gemini" || pe.Reason != ReasonServerError {
		t.Fatalf("err = %v, want gemini server error", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("attempts = %d, want 1", attempts.Load())
	}
}
