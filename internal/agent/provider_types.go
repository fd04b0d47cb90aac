package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/llmops/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one vendor API while presenting a
// unified streaming interface to the agent. They must be safe for concurrent
// use: several agent turns may call Complete at the same time.
//
// See Also:
//   - providers.AnthropicProvider for Anthropic Claude
//   - providers.OpenAIProvider for OpenAI GPT
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response. The channel
	// is closed when the response ends; a failure is delivered as a chunk
	// with Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name used in metrics and traces.
	Name() string
}

// CompletionRequest contains all parameters for an LLM completion request.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:     "gpt-4o-mini",
//	    System:    "You are a helpful assistant.",
//	    Messages:  []models.Message{models.HumanMessage("hello")},
//	    MaxTokens: 1024,
//	}
type CompletionRequest struct {
	// Model specifies which model to use. If empty, the provider default is used.
	Model string `json:"model"`

	// System is the system prompt. Providers place it wherever their API
	// expects it.
	System string `json:"system,omitempty"`

	// Messages contains the conversation in chronological order.
	Messages []models.Message `json:"messages"`

	// Tools are offered to the model for function calling.
	Tools []Tool `json:"-"`

	// MaxTokens limits the response length. Zero selects the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionChunk is one element of a streaming response.
//
// A chunk carries partial text, one complete tool call, or the end of the
// stream. Tool call arguments are accumulated by the provider so the agent
// only ever sees whole calls.
type CompletionChunk struct {
	// Text contains a response text fragment.
	Text string `json:"text,omitempty"`

	// ToolCall contains a complete tool invocation request.
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true on the final chunk of a successful response.
	Done bool `json:"done,omitempty"`

	// Error terminates the stream.
	Error error `json:"-"`

	// InputTokens and OutputTokens are only set on the final chunk.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Tool defines the interface for executable agent tools.
//
// Implementing a Tool:
//
//	type Clock struct{}
//
//	func (Clock) Name() string        { return "current_time" }
//	func (Clock) Description() string { return "Returns the current time" }
//	func (Clock) Schema() json.RawMessage {
//	    return json.RawMessage(`{"type":"object","properties":{}}`)
//	}
//	func (Clock) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
//	    return &ToolResult{Content: time.Now().Format(time.RFC3339)}, nil
//	}
type Tool interface {
	// Name returns the function name offered to the model.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema of the tool parameters. Arguments are
	// validated against it before Execute is called.
	Schema() json.RawMessage

	// Execute runs the tool with arguments matching Schema.
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
type ToolResult struct {
	// Content is the observation returned to the model.
	Content string `json:"content"`

	// IsError marks a failure the model should see and recover from.
	IsError bool `json:"is_error,omitempty"`
}
