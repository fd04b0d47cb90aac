package toolconv

import (
	"encoding/json"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/pkg/models"
)

// ToGeminiTools converts tools to one Gemini tool holding every function
// declaration. Tools with an unparseable schema are skipped.
func ToGeminiTools(tools []agent.Tool) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  ToGeminiSchema(schema),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// ToGeminiSchema converts the JSON Schema subset tools use.
func ToGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		out.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	for _, e := range asSlice(schema["enum"]) {
		if s, ok := e.(string); ok {
			out.Enum = append(out.Enum, s)
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if m, ok := prop.(map[string]any); ok {
				out.Properties[name] = ToGeminiSchema(m)
			}
		}
	}
	for _, r := range asSlice(schema["required"]) {
		if s, ok := r.(string); ok {
			out.Required = append(out.Required, s)
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = ToGeminiSchema(items)
	}
	return out
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

// ToGeminiContents converts a conversation to Gemini contents. System
// messages are dropped since the system prompt travels in the request
// config. Function responses need the function name, which is looked up
// from the assistant tool call with the same id.
func ToGeminiContents(messages []models.Message) []*genai.Content {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	result := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		content := &genai.Content{Role: genai.RoleUser}
		if msg.Role == models.RoleAssistant {
			content.Role = genai.RoleModel
		}

		if msg.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
		}
		for _, tc := range msg.ToolCalls {
			args := map[string]any{}
			if len(tc.Input) > 0 {
				_ = json.Unmarshal(tc.Input, &args)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		for _, tr := range msg.ToolResults {
			response := map[string]any{"output": tr.Content}
			if tr.IsError {
				response = map[string]any{"error": tr.Content}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: names[tr.ToolCallID], Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}
