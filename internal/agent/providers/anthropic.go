package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/internal/agent/toolconv"
	"github.com/haasonsaas/llmops/pkg/models"
)

// maxEmptyStreamEvents bounds consecutive events that carry nothing before
// a stream is treated as malformed.
const maxEmptyStreamEvents = 50

// AnthropicConfig configures the Anthropic Messages backend.
type AnthropicConfig struct {
	APIKey string

	// BaseURL overrides https://api.anthropic.com/.
	BaseURL string

	// MaxRetries of zero selects the default; negative disables retries.
	MaxRetries int

	RetryDelay   time.Duration
	DefaultModel string
}

// AnthropicProvider implements agent.LLMProvider over the Messages API.
//
// The SDK's own retries are disabled: a streaming request fails on the first
// event read, so attempts are repeated here as long as no chunk has reached
// the caller.
type AnthropicProvider struct {
	client       anthropic.Client
	retry        retrier
	defaultModel string
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "claude-sonnet-4-20250514"
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &AnthropicProvider{
		client:       anthropic.NewClient(opts...),
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
		defaultModel: cfg.DefaultModel,
	}, nil
}

// Name returns "anthropic".
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete opens a streaming message request.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	model := string(params.Model)

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		s := &anthropicStream{out: chunks, ctx: ctx, model: model, wrap: p.wrapError}
		// Partial output cannot be retracted, so only a stream that failed
		// before delivering anything is retried.
		retryable := func(err error) bool { return !s.delivered && IsRetryable(err) }
		err := p.retry.do(ctx, retryable, func() error {
			return s.consume(p.client.Messages.NewStreaming(ctx, params))
		})
		if err != nil {
			s.send(&agent.CompletionChunk{Error: err})
		}
	}()
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages, err := toolconv.ToAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	tools, err := toolconv.ToAnthropicTools(req.Tools)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
		Tools:     tools,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	return params, nil
}

// eventStream is the subset of the SDK stream consumed here.
type eventStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
	Close() error
}

// anthropicStream converts SDK stream events into completion chunks.
type anthropicStream struct {
	ctx       context.Context
	out       chan<- *agent.CompletionChunk
	model     string
	wrap      func(error, string) error
	delivered bool
}

func (s *anthropicStream) send(chunk *agent.CompletionChunk) bool {
	select {
	case s.out <- chunk:
		s.delivered = true
		return true
	case <-s.ctx.Done():
		return false
	}
}

// consume reads one stream to completion. It returns an error only for
// failures that have not yet been sent.
func (s *anthropicStream) consume(stream eventStream) error {
	defer stream.Close()

	var (
		call         *models.ToolCall
		input        strings.Builder
		inputTokens  int
		outputTokens int
		empty        int
	)
	for stream.Next() {
		event := stream.Current()
		progressed := true

		switch event.Type {
		case "message_start":
			inputTokens = int(event.AsMessageStart().Message.Usage.InputTokens)

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				use := block.AsToolUse()
				call = &models.ToolCall{ID: use.ID, Name: use.Name}
				input.Reset()
			} else {
				progressed = false
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch {
			case delta.Type == "text_delta" && delta.Text != "":
				if !s.send(&agent.CompletionChunk{Text: delta.Text}) {
					return nil
				}
			case delta.Type == "input_json_delta" && delta.PartialJSON != "":
				input.WriteString(delta.PartialJSON)
			default:
				progressed = false
			}

		case "content_block_stop":
			if call == nil {
				progressed = false
				break
			}
			raw := input.String()
			if strings.TrimSpace(raw) == "" {
				raw = "{}"
			}
			call.Input = json.RawMessage(raw)
			if !s.send(&agent.CompletionChunk{ToolCall: call}) {
				return nil
			}
			call = nil

		case "message_delta":
			outputTokens = int(event.AsMessageDelta().Usage.OutputTokens)

		case "message_stop":
			s.send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return nil

		case "error":
			return s.wrap(errors.New("stream error event"), s.model)

		default:
			progressed = false
		}

		if progressed {
			empty = 0
			continue
		}
		if empty++; empty >= maxEmptyStreamEvents {
			return s.wrap(fmt.Errorf("stream appears malformed: %d consecutive empty events", empty), s.model)
		}
	}
	if err := stream.Err(); err != nil {
		return s.wrap(err, s.model)
	}
	// The stream ended without message_stop.
	s.send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
	return nil
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return newProviderError("anthropic", model, 0, "", "", err)
	}

	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" {
		_ = json.Unmarshal([]byte(raw), &payload)
	}
	message := payload.Error.Message
	if message == "" {
		message = "anthropic request failed"
	}
	pe := newProviderError("anthropic", model, apiErr.StatusCode, payload.Error.Type, message, err)
	pe.RequestID = apiErr.RequestID
	if payload.RequestID != "" {
		pe.RequestID = payload.RequestID
	}
	return pe
}
