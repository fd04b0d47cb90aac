package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/internal/agent/toolconv"
	"github.com/haasonsaas/llmops/pkg/models"
)

// GeminiConfig configures the Gemini API backend.
type GeminiConfig struct {
	APIKey string

	// MaxRetries of zero selects the default; negative disables retries.
	MaxRetries int

	RetryDelay   time.Duration
	DefaultModel string
}

// generateStream matches genai's Models.GenerateContentStream.
type generateStream func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// GeminiProvider implements agent.LLMProvider over the Gemini API.
//
// Gemini returns whole function calls rather than argument fragments and
// does not assign call ids, so each call gets a generated one.
type GeminiProvider struct {
	generate     generateStream
	retry        retrier
	defaultModel string
}

// NewGeminiProvider creates a Gemini provider.
func NewGeminiProvider(cfg GeminiConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return newGeminiProvider(client.Models.GenerateContentStream, cfg), nil
}

func newGeminiProvider(generate generateStream, cfg GeminiConfig) *GeminiProvider {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}
	return &GeminiProvider{
		generate:     generate,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
		defaultModel: cfg.DefaultModel,
	}
}

// Name returns "gemini".
func (p *GeminiProvider) Name() string { return "gemini" }

// Complete opens a streaming generate-content request.
func (p *GeminiProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	contents := toolconv.ToGeminiContents(req.Messages)
	config := buildGeminiConfig(req)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		s := &geminiStream{ctx: ctx, out: chunks}
		retryable := func(err error) bool { return !s.delivered && IsRetryable(err) }
		err := p.retry.do(ctx, retryable, func() error {
			if err := s.consume(p.generate(ctx, model, contents, config)); err != nil {
				return newProviderError("gemini", model, 0, "", "", err)
			}
			return nil
		})
		if err != nil {
			s.send(&agent.CompletionChunk{Error: err})
		}
	}()
	return chunks, nil
}

func buildGeminiConfig(req *agent.CompletionRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{Tools: toolconv.ToGeminiTools(req.Tools)}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(req.MaxTokens, math.MaxInt32))
	}
	return config
}

type geminiStream struct {
	ctx       context.Context
	out       chan<- *agent.CompletionChunk
	delivered bool
}

func (s *geminiStream) send(chunk *agent.CompletionChunk) bool {
	select {
	case s.out <- chunk:
		s.delivered = true
		return true
	case <-s.ctx.Done():
		return false
	}
}

// consume drains one response stream. A nil return means the stream ended
// or the caller went away.
func (s *geminiStream) consume(stream iter.Seq2[*genai.GenerateContentResponse, error]) error {
	var inputTokens, outputTokens int
	for resp, err := range stream {
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		if u := resp.UsageMetadata; u != nil {
			inputTokens = int(u.PromptTokenCount)
			outputTokens = int(u.CandidatesTokenCount)
		}
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" && !s.send(&agent.CompletionChunk{Text: part.Text}) {
					return nil
				}
				if fc := part.FunctionCall; fc != nil {
					args, err := json.Marshal(fc.Args)
					if err != nil || fc.Args == nil {
						args = []byte("{}")
					}
					call := &models.ToolCall{ID: "call_" + uuid.NewString(), Name: fc.Name, Input: args}
					if !s.send(&agent.CompletionChunk{ToolCall: call}) {
						return nil
					}
				}
			}
		}
	}
	s.send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
	return nil
}
