package agent

import (
	"strings"

	"github.com/haasonsaas/llmops/pkg/models"
)

// DatasetRetrievalToolName is the tool whose invocations are reported as
// dataset_retrieval events.
const DatasetRetrievalToolName = "dataset_retrieval"

// MaxIterationResponse is returned as the answer once the iteration limit
// is reached.
const MaxIterationResponse = "The agent exceeded its iteration limit, please try again."

// DefaultMaxIterationCount bounds model calls per turn.
const DefaultMaxIterationCount = 5

// DefaultSystemPromptTemplate is filled with the app's preset prompt and
// the recalled long-term memory.
const DefaultSystemPromptTemplate = `You are a highly customized agent application that gives users accurate, professional content and answers. Follow these rules strictly:

1. **Preset task execution**
   - Produce the content described by the user's preset prompt (PRESET-PROMPT) and meet its expectations.

2. **Tool calls and arguments**
   - When the task needs it, call the bound tools (dataset retrieval, calculators and so on) with arguments that fit the task.

3. **History and long-term memory**
   - Use the conversation history together with the summarized long-term memory to give consistent, personalized answers.

4. **External knowledge retrieval**
   - When a question goes beyond what you know, call dataset_retrieval to fetch supporting information.

5. **Efficiency and brevity**
   - Understand the need precisely and answer concisely without irrelevant content.

<preset-prompt>
{preset_prompt}
</preset-prompt>

<long-term-memory>
{long_term_memory}
</long-term-memory>
`

// ReviewConfig configures keyword moderation of queries and answers.
type ReviewConfig struct {
	Enable   bool     `json:"enable" yaml:"enable"`
	Keywords []string `json:"keywords" yaml:"keywords"`
	Inputs   struct {
		Enable         bool   `json:"enable" yaml:"enable"`
		PresetResponse string `json:"preset_response" yaml:"preset_response"`
	} `json:"inputs" yaml:"inputs"`
	Outputs struct {
		Enable bool `json:"enable" yaml:"enable"`
	} `json:"outputs" yaml:"outputs"`
}

// AgentConfig describes one agent app.
type AgentConfig struct {
	UserID     string `json:"user_id" yaml:"user_id"`
	InvokeFrom string `json:"invoke_from" yaml:"invoke_from"`

	// SystemPrompt is a template with {preset_prompt} and {long_term_memory}
	// slots. Empty uses DefaultSystemPromptTemplate.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt"`
	PresetPrompt string `json:"preset_prompt" yaml:"preset_prompt"`

	EnableLongTermMemory bool      `json:"enable_long_term_memory" yaml:"enable_long_term_memory"`
	Tools                []ToolKey `json:"tools" yaml:"tools"`
	// MaxIterationCount bounds tool rounds. Once more model calls than this
	// have requested tools, the turn ends with MaxIterationResponse. Nil
	// selects the default.
	MaxIterationCount *int   `json:"max_iteration_count,omitempty" yaml:"max_iteration_count"`
	Model             string `json:"model" yaml:"model"`
	MaxTokens         int    `json:"max_tokens,omitempty" yaml:"max_tokens"`

	Review ReviewConfig `json:"review" yaml:"review"`
}

func (c AgentConfig) maxIterations() int {
	if c.MaxIterationCount == nil {
		return DefaultMaxIterationCount
	}
	return max(*c.MaxIterationCount, 0)
}

func (c AgentConfig) systemPrompt(longTermMemory string) string {
	tmpl := c.SystemPrompt
	if tmpl == "" {
		tmpl = DefaultSystemPromptTemplate
	}
	return strings.NewReplacer(
		"{preset_prompt}", c.PresetPrompt,
		"{long_term_memory}", longTermMemory,
	).Replace(tmpl)
}

// inputBlocked reports whether input moderation rejects query.
func (c AgentConfig) inputBlocked(query string) bool {
	if !c.Review.Enable || !c.Review.Inputs.Enable {
		return false
	}
	for _, kw := range c.Review.Keywords {
		if kw != "" && strings.Contains(query, kw) {
			return true
		}
	}
	return false
}

// redact masks review keywords in model output when output moderation is on.
func (c AgentConfig) redact(text string) string {
	if !c.Review.Enable || !c.Review.Outputs.Enable {
		return text
	}
	for _, kw := range c.Review.Keywords {
		if kw != "" {
			text = strings.ReplaceAll(text, kw, "**")
		}
	}
	return text
}

// AgentInput is one user turn.
type AgentInput struct {
	Query string
	// History holds prior user/assistant pairs, oldest first.
	History        []models.Message
	LongTermMemory string
}

// IntPtr is a helper for optional integer fields.
func IntPtr(v int) *int { return &v }
