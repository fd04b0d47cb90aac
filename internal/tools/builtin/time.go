// Package builtin holds tools that need no external service.
package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/internal/tools"
)

// Provider is the tool provider name for built-in tools.
const Provider = "time"

// CurrentTimeTool reports the current time, optionally in a named zone.
type CurrentTimeTool struct {
	Now func() time.Time
}

type currentTimeInput struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA time zone such as Asia/Shanghai; defaults to the server zone"`
}

var currentTimeSchema = tools.SchemaFor[currentTimeInput]()

func (t *CurrentTimeTool) Name() string            { return "current_time" }
func (t *CurrentTimeTool) Description() string     { return "Returns the current date and time." }
func (t *CurrentTimeTool) Schema() json.RawMessage { return currentTimeSchema }

func (t *CurrentTimeTool) Execute(_ context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input currentTimeInput
	if len(params) > 0 {
		if err := json.Unmarshal(params, &input); err != nil {
			return nil, fmt.Errorf("%w: %v", agent.ErrInvalidArguments, err)
		}
	}
	now := time.Now()
	if t.Now != nil {
		now = t.Now()
	}
	if input.Timezone != "" {
		loc, err := time.LoadLocation(input.Timezone)
		if err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", agent.ErrInvalidArguments, input.Timezone)
		}
		now = now.In(loc)
	}
	return &agent.ToolResult{Content: now.Format("2006/01/02 15:04:05 MST")}, nil
}

// Register adds the built-in tools to r.
func Register(r *agent.ToolRegistry) error {
	return r.Register(agent.ToolKey{Provider: Provider, Name: "current_time"}, agent.ToolKindBuiltin, &CurrentTimeTool{})
}
