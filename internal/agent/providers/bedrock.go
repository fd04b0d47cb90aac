package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/internal/agent/toolconv"
	"github.com/haasonsaas/llmops/pkg/models"
)

// BedrockConfig configures the Bedrock Converse backend. Without static
// keys the default AWS credential chain is used.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// MaxRetries of zero selects the default; negative disables retries.
	MaxRetries int

	RetryDelay   time.Duration
	DefaultModel string
}

// converseStreamer is the subset of the bedrockruntime client used here.
type converseStreamer interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// converseEvents is the subset of the Converse event stream consumed here.
type converseEvents interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// BedrockProvider implements agent.LLMProvider over the Bedrock Converse
// streaming API.
type BedrockProvider struct {
	client       converseStreamer
	retry        retrier
	defaultModel string
}

// NewBedrockProvider creates a Bedrock provider.
func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	return newBedrockProvider(bedrockruntime.NewFromConfig(awsCfg), cfg), nil
}

func newBedrockProvider(client converseStreamer, cfg BedrockConfig) *BedrockProvider {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}
	return &BedrockProvider{
		client:       client,
		retry:        newRetrier(cfg.MaxRetries, cfg.RetryDelay),
		defaultModel: cfg.DefaultModel,
	}
}

// Name returns "bedrock".
func (p *BedrockProvider) Name() string { return "bedrock" }

// Complete opens a Converse stream.
func (p *BedrockProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:    aws.String(model),
		Messages:   toolconv.ToBedrockMessages(req.Messages),
		ToolConfig: toolconv.ToBedrockTools(req.Tools),
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	input.InferenceConfig = &types.InferenceConfiguration{MaxTokens: aws.Int32(int32(min(maxTokens, math.MaxInt32)))}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		s := &bedrockStream{ctx: ctx, out: chunks}
		retryable := func(err error) bool { return !s.delivered && IsRetryable(err) }
		err := p.retry.do(ctx, retryable, func() error {
			out, err := p.client.ConverseStream(ctx, input)
			if err != nil {
				return wrapBedrockError(err, model)
			}
			if err := s.consume(out.GetStream()); err != nil {
				return wrapBedrockError(err, model)
			}
			return nil
		})
		if err != nil {
			s.send(&agent.CompletionChunk{Error: err})
		}
	}()
	return chunks, nil
}

type bedrockStream struct {
	ctx       context.Context
	out       chan<- *agent.CompletionChunk
	delivered bool
}

func (s *bedrockStream) send(chunk *agent.CompletionChunk) bool {
	select {
	case s.out <- chunk:
		s.delivered = true
		return true
	case <-s.ctx.Done():
		return false
	}
}

// consume reads one event stream. Tool input fragments are buffered until
// their content block stops.
func (s *bedrockStream) consume(stream converseEvents) error {
	defer stream.Close()

	var (
		call         *models.ToolCall
		input        strings.Builder
		inputTokens  int
		outputTokens int
	)
	for {
		var (
			event types.ConverseStreamOutput
			ok    bool
		)
		select {
		case <-s.ctx.Done():
			return nil
		case event, ok = <-stream.Events():
		}
		if !ok {
			break
		}

		switch ev := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockStart:
			if use, isTool := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); isTool {
				call = &models.ToolCall{ID: aws.ToString(use.Value.ToolUseId), Name: aws.ToString(use.Value.Name)}
				input.Reset()
			}

		case *types.ConverseStreamOutputMemberContentBlockDelta:
			switch delta := ev.Value.Delta.(type) {
			case *types.ContentBlockDeltaMemberText:
				if delta.Value != "" && !s.send(&agent.CompletionChunk{Text: delta.Value}) {
					return nil
				}
			case *types.ContentBlockDeltaMemberToolUse:
				input.WriteString(aws.ToString(delta.Value.Input))
			}

		case *types.ConverseStreamOutputMemberContentBlockStop:
			if call == nil {
				continue
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

		case *types.ConverseStreamOutputMemberMetadata:
			if u := ev.Value.Usage; u != nil {
				inputTokens = int(aws.ToInt32(u.InputTokens))
				outputTokens = int(aws.ToInt32(u.OutputTokens))
			}
		}
	}

	if err := stream.Err(); err != nil {
		return err
	}
	s.send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
	return nil
}

func wrapBedrockError(err error, model string) error {
	if _, ok := GetProviderError(err); ok {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return newProviderError("bedrock", model, 0, apiErr.ErrorCode(), apiErr.ErrorMessage(), err)
	}
	return newProviderError("bedrock", model, 0, "", "", err)
}
