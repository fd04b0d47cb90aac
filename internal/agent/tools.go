package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ToolKind groups tools by where they come from.
type ToolKind string

const (
	ToolKindBuiltin ToolKind = "builtin"
	ToolKindAPI     ToolKind = "api"
	ToolKindDataset ToolKind = "dataset"
)

// ToolKey identifies a tool within its provider.
type ToolKey struct {
	Provider string `json:"provider" yaml:"provider"`
	Name     string `json:"name" yaml:"name"`
}

func (k ToolKey) String() string { return k.Provider + "/" + k.Name }

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

type registeredTool struct {
	kind   ToolKind
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry manages available tools with thread-safe registration and
// lookup. Tools are registered under a provider-qualified key and bound to
// an agent by key.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[ToolKey]registeredTool
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools: make(map[ToolKey]registeredTool),
	}
}

// Register adds a tool under key, compiling its parameter schema. A tool
// with the same key is replaced.
func (r *ToolRegistry) Register(key ToolKey, kind ToolKind, tool Tool) error {
	if tool == nil {
		return fmt.Errorf("register %s: tool is nil", key)
	}
	if key.Name == "" || len(key.Name) > MaxToolNameLength {
		return fmt.Errorf("register %s: invalid tool name", key)
	}
	schema, err := compileSchema(key.String(), tool.Schema())
	if err != nil {
		return fmt.Errorf("register %s: compile schema: %w", key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[key] = registeredTool{kind: kind, tool: tool, schema: schema}
	return nil
}

// Resolve returns the tool registered under key.
func (r *ToolRegistry) Resolve(key ToolKey) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, key)
	}
	return &validatedTool{Tool: rt.tool, schema: rt.schema}, nil
}

// Kind reports the kind of the tool registered under key.
func (r *ToolRegistry) Kind(key ToolKey) (ToolKind, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[key]
	return rt.kind, ok
}

// Bind resolves keys in order. Every key must be registered.
func (r *ToolRegistry) Bind(keys ...ToolKey) ([]Tool, error) {
	tools := make([]Tool, 0, len(keys))
	for _, key := range keys {
		tool, err := r.Resolve(key)
		if err != nil {
			return nil, err
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// Keys lists the registered keys sorted by provider and name.
func (r *ToolRegistry) Keys() []ToolKey {
	r.mu.RLock()
	keys := make([]ToolKey, 0, len(r.tools))
	for key := range r.tools {
		keys = append(keys, key)
	}
	r.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Provider != keys[j].Provider {
			return keys[i].Provider < keys[j].Provider
		}
		return keys[i].Name < keys[j].Name
	})
	return keys
}

// validatedTool checks arguments against the compiled schema before
// delegating to the wrapped tool.
type validatedTool struct {
	Tool
	schema *jsonschema.Schema
}

func (t *validatedTool) Validate(params json.RawMessage) error {
	if len(params) > MaxToolParamsSize {
		return fmt.Errorf("%w: parameters exceed %d bytes", ErrInvalidArguments, MaxToolParamsSize)
	}
	if t.schema == nil {
		return nil
	}
	if len(bytes.TrimSpace(params)) == 0 {
		params = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if err := t.schema.Validate(decoded); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	return nil
}

// ValidateArguments checks params against the tool's schema when the tool
// was resolved from a registry. Other tools are accepted as-is.
func ValidateArguments(tool Tool, params json.RawMessage) error {
	if v, ok := tool.(interface{ Validate(json.RawMessage) error }); ok {
		return v.Validate(params)
	}
	return nil
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	compiler := jsonschema.NewCompiler()
	url := "tool://" + name + ".schema.json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}
