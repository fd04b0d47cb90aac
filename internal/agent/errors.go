package agent

import (
	"errors"
	"fmt"
)

var (
	ErrMaxIterations    = errors.New("max iterations exceeded")
	ErrNoProvider       = errors.New("no provider configured")
	ErrToolNotFound     = errors.New("tool not found")
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrInvalidHistory is returned when short-term history is not a
	// sequence of user/assistant pairs.
	ErrInvalidHistory = errors.New("history must contain user/assistant pairs")
)

// ToolError is a failed tool invocation. Its cause becomes the observation
// the model sees.
type ToolError struct {
	ToolName   string
	ToolCallID string
	Cause      error
}

func (e *ToolError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("tool %s failed", e.ToolName)
	}
	return fmt.Sprintf("tool %s failed: %v", e.ToolName, e.Cause)
}

func (e *ToolError) Unwrap() error { return e.Cause }

// GetToolError extracts a ToolError from an error chain.
func GetToolError(err error) (*ToolError, bool) {
	var toolErr *ToolError
	if errors.As(err, &toolErr) {
		return toolErr, true
	}
	return nil, false
}

// LoopPhase names the step of a turn that failed.
type LoopPhase string

const (
	PhaseMemoryRecall LoopPhase = "long_term_memory_recall"
	PhaseModelCall    LoopPhase = "llm"
)

// LoopError wraps a failure that ended a turn early.
type LoopError struct {
	Phase     LoopPhase
	Iteration int
	Cause     error
}

func (e *LoopError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("turn failed in %s (iteration %d)", e.Phase, e.Iteration)
	}
	return fmt.Sprintf("turn failed in %s (iteration %d): %v", e.Phase, e.Iteration, e.Cause)
}

func (e *LoopError) Unwrap() error { return e.Cause }
