package providers

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/haasonsaas/llmops/internal/agent"
)

type fakeConverseEvents struct {
	events chan types.ConverseStreamOutput
	err    error
	closed bool
}

func newFakeConverseEvents(err error, events ...types.ConverseStreamOutput) *fakeConverseEvents {
	ch := make(chan types.ConverseStreamOutput, len(events))
	for _, e := range events {
		ch <- e
	}
	close(ch)
	return &fakeConverseEvents{events: ch, err: err}
}

func (f *fakeConverseEvents) Events() <-chan types.ConverseStreamOutput { return f.events }
func (f *fakeConverseEvents) Close() error                              { f.closed = true; return nil }
func (f *fakeConverseEvents) Err() error                                { return f.err }

func consumeBedrock(t *testing.T, events *fakeConverseEvents) ([]*agent.CompletionChunk, error) {
	t.Helper()
	out := make(chan *agent.CompletionChunk, 16)
	s := &bedrockStream{ctx: context.Background(), out: out}
	err := s.consume(events)
	close(out)
	var chunks []*agent.CompletionChunk
	for c := range out {
		chunks = append(chunks, c)
	}
	return chunks, err
}

func TestBedrockStream_TextToolUseAndUsage(t *testing.T) {
	events := newFakeConverseEvents(nil,
		&types.ConverseStreamOutputMemberMessageStart{Value: types.MessageStartEvent{Role: types.ConversationRoleAssistant}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			Delta: &types.ContentBlockDeltaMemberText{Value: "Checking"},
		}},
		&types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{}},
		&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
			Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{
				ToolUseId: aws.String("tu_1"),
				Name:      aws.String("clock"),
			}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			Delta: &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`{"zone":`)}},
		}},
		&types.ConverseStreamOutputMemberContentBlockDelta{Value: types.ContentBlockDeltaEvent{
			Delta: &types.ContentBlockDeltaMemberToolUse{Value: types.ToolUseBlockDelta{Input: aws.String(`"UTC"}`)}},
		}},
		&types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{}},
		&types.ConverseStreamOutputMemberMetadata{Value: types.ConverseStreamMetadataEvent{
			Usage: &types.TokenUsage{InputTokens: aws.Int32(20), OutputTokens: aws.Int32(7)},
		}},
	)

	chunks, err := consumeBedrock(t, events)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !events.closed {
		t.Error("stream should be closed")
	}
	if len(chunks) != 3 {
		t.Fatalf("chunks = %d, want 3", len(chunks))
	}
	if chunks[0].Text != "Checking" {
		t.Errorf("text = %q", chunks[0].Text)
	}
	call := chunks[1].ToolCall
	if call == nil || call.ID != "tu_1" || call.Name != "clock" || string(call.Input) != `{"zone":"UTC"}` {
		t.Errorf("tool call = %+v", call)
	}
	if last := chunks[2]; !last.Done || last.InputTokens != 20 || last.OutputTokens != 7 {
		t.Errorf("last chunk = %+v", last)
	}
}

func TestBedrockStream_EmptyToolInput(t *testing.T) {
	events := newFakeConverseEvents(nil,
		&types.ConverseStreamOutputMemberContentBlockStart{Value: types.ContentBlockStartEvent{
			Start: &types.ContentBlockStartMemberToolUse{Value: types.ToolUseBlockStart{
				ToolUseId: aws.String("tu_2"),
				Name:      aws.String("current_time"),
			}},
		}},
		&types.ConverseStreamOutputMemberContentBlockStop{Value: types.ContentBlockStopEvent{}},
	)

	chunks, err := consumeBedrock(t, events)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if len(chunks) != 2 || chunks[0].ToolCall == nil || string(chunks[0].ToolCall.Input) != "{}" {
		t.Fatalf("chunks = %+v", chunks)
	}
}

func TestBedrockStream_StreamError(t *testing.T) {
	streamErr := errors.New("stream reset")
	chunks, err := consumeBedrock(t, newFakeConverseEvents(streamErr))
	if !errors.Is(err, streamErr) {
		t.Fatalf("err = %v, want %v", err, streamErr)
	}
	if len(chunks) != 0 {
		t.Errorf("no chunks expected on error, got %d", len(chunks))
	}
}

func TestWrapBedrockError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason ErrorReason
		retry  bool
	}{
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow down"}, ReasonRateLimit, true},
		{"denied", &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "no access"}, ReasonAuth, false},
		{"validation", &smithy.GenericAPIError{Code: "ValidationException", Message: "bad input"}, ReasonInvalidRequest, false},
		{"unstructured", errors.New("connection reset by peer"), ReasonServerError, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := wrapBedrockError(tt.err, "m")
			pe, ok := GetProviderError(err)
			if !ok {
				t.Fatalf("err = %v, want ProviderError", err)
			}
			if pe.Provider != "bedrock" || pe.Reason != tt.reason {
				t.Errorf("ProviderError = %+v, want reason %s", pe, tt.reason)
			}
			if IsRetryable(err) != tt.retry {
				t.Errorf("IsRetryable = %v, want %v", IsRetryable(err), tt.retry)
			}
			if wrapBedrockError(err, "m") != err {
				t.Error("wrapping twice should return the same error")
			}
		})
	}
}

func TestNewBedrockProvider_Defaults(t *testing.T) {
	p := newBedrockProvider(nil, BedrockConfig{})
	if p.Name() != "bedrock" || p.defaultModel == "" || p.retry.maxRetries != defaultMaxRetries {
		t.Errorf("unexpected provider %+v", p)
	}
}
