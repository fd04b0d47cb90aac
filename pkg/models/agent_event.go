// Package models provides domain types for the llmops runtime.
package models

import (
	"time"
)

// AgentEventKind identifies the kind of agent event.
type AgentEventKind string

const (
	// Heartbeat emitted by the queue while a task is idle.
	AgentEventPing AgentEventKind = "ping"

	// Model output
	AgentEventThought AgentEventKind = "agent_thought"
	AgentEventMessage AgentEventKind = "agent_message"

	// Tool execution
	AgentEventAction           AgentEventKind = "agent_action"
	AgentEventDatasetRetrieval AgentEventKind = "dataset_retrieval"

	AgentEventLongTermMemoryRecall AgentEventKind = "long_term_memory_recall"

	// Terminal kinds close the task queue.
	AgentEventEnd     AgentEventKind = "agent_end"
	AgentEventStop    AgentEventKind = "stop"
	AgentEventError   AgentEventKind = "error"
	AgentEventTimeout AgentEventKind = "timeout"
)

// IsTerminal reports whether an event of this kind ends the task stream.
func (k AgentEventKind) IsTerminal() bool {
	switch k {
	case AgentEventEnd, AgentEventStop, AgentEventError, AgentEventTimeout:
		return true
	}
	return false
}

// AgentEvent is one trace unit ("thought") emitted during an agent turn.
//
// Events are ephemeral: they live for the lifetime of a task and are
// persisted by the caller once the stream completes. Streamed message
// fragments of one model call share an ID so consumers can fold them.
type AgentEvent struct {
	ID     string         `json:"id"`
	TaskID string         `json:"task_id"`
	Event  AgentEventKind `json:"event"`

	Thought     string `json:"thought,omitempty"`
	Observation string `json:"observation,omitempty"`
	Answer      string `json:"answer,omitempty"`

	// Tool and ToolInput are set when a tool fired.
	Tool      string         `json:"tool,omitempty"`
	ToolInput map[string]any `json:"tool_input,omitempty"`

	// Message is a snapshot of the working message list at emission time.
	Message []Message `json:"message,omitempty"`

	// Latency is measured in seconds.
	Latency float64 `json:"latency"`

	CreatedAt time.Time `json:"created_at"`
}
