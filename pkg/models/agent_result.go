package models

// AgentResultStatus mirrors the terminal event of an aggregated turn.
type AgentResultStatus string

const (
	AgentResultNormal  AgentResultStatus = "normal"
	AgentResultStop    AgentResultStatus = "stop"
	AgentResultTimeout AgentResultStatus = "timeout"
	AgentResultError   AgentResultStatus = "error"
)

// AgentResult is the aggregated outcome of a non-streaming agent invocation.
type AgentResult struct {
	TaskID string `json:"task_id"`
	Query  string `json:"query"`

	// Message is the final working message list sent to the model.
	Message []Message `json:"message,omitempty"`
	Answer  string    `json:"answer"`

	Status AgentResultStatus `json:"status"`
	Error  string            `json:"error,omitempty"`

	// AgentThoughts holds non-message events folded by ID in first-seen order.
	AgentThoughts []AgentEvent `json:"agent_thoughts"`

	// Latency is the total turn latency in seconds.
	Latency float64 `json:"latency"`
}
