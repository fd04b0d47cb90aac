package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func echoTool(name, schema string) *funcTool {
	return &funcTool{
		name:   name,
		schema: schema,
		fn: func(_ context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: string(params)}, nil
		},
	}
}

func TestToolRegistry_RegisterAndResolve(t *testing.T) {
	r := NewToolRegistry()
	key := ToolKey{Provider: "builtin", Name: "echo"}
	if err := r.Register(key, ToolKindBuiltin, echoTool("echo", `{"type":"object"}`)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	tool, err := r.Resolve(key)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tool.Name() != "echo" {
		t.Errorf("Name = %q", tool.Name())
	}
	if kind, ok := r.Kind(key); !ok || kind != ToolKindBuiltin {
		t.Errorf("Kind = %q, %v", kind, ok)
	}

	_, err = r.Resolve(ToolKey{Provider: "api", Name: "echo"})
	if !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Resolve(other provider) err = %v", err)
	}
}

func TestToolRegistry_RegisterRejects(t *testing.T) {
	r := NewToolRegistry()
	tests := []struct {
		name string
		key  ToolKey
		tool Tool
	}{
		{"nil tool", ToolKey{Provider: "builtin", Name: "x"}, nil},
		{"empty name", ToolKey{Provider: "builtin"}, echoTool("", `{}`)},
		{"long name", ToolKey{Provider: "builtin", Name: strings.Repeat("n", MaxToolNameLength+1)}, echoTool("n", `{}`)},
		{"bad schema", ToolKey{Provider: "builtin", Name: "bad"}, echoTool("bad", `{"type":12}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Register(tt.key, ToolKindBuiltin, tt.tool); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestToolRegistry_BindAndKeys(t *testing.T) {
	r := NewToolRegistry()
	keys := []ToolKey{
		{Provider: "dataset", Name: DatasetRetrievalToolName},
		{Provider: "builtin", Name: "time"},
		{Provider: "builtin", Name: "calc"},
	}
	for _, k := range keys {
		if err := r.Register(k, ToolKindBuiltin, echoTool(k.Name, `{"type":"object"}`)); err != nil {
			t.Fatalf("Register(%s): %v", k, err)
		}
	}

	got := r.Keys()
	want := []string{"builtin/calc", "builtin/time", "dataset/dataset_retrieval"}
	for i, k := range got {
		if k.String() != want[i] {
			t.Fatalf("Keys() = %v, want %v", got, want)
		}
	}

	bound, err := r.Bind(keys[1], keys[0])
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if bound[0].Name() != "time" || bound[1].Name() != DatasetRetrievalToolName {
		t.Errorf("Bind order = %s, %s", bound[0].Name(), bound[1].Name())
	}
	if _, err := r.Bind(keys[0], ToolKey{Provider: "builtin", Name: "gone"}); !errors.Is(err, ErrToolNotFound) {
		t.Errorf("Bind(unknown) err = %v", err)
	}
}

func TestValidateArguments(t *testing.T) {
	r := NewToolRegistry()
	key := ToolKey{Provider: "builtin", Name: "search"}
	schema := `{"type":"object","properties":{"query":{"type":"string"},"k":{"type":"integer","minimum":1}},"required":["query"]}`
	if err := r.Register(key, ToolKindDataset, echoTool("search", schema)); err != nil {
		t.Fatalf("Register: %v", err)
	}
	tool, _ := r.Resolve(key)

	tests := []struct {
		name    string
		params  string
		wantErr bool
	}{
		{"valid", `{"query":"go","k":3}`, false},
		{"missing required", `{"k":3}`, true},
		{"wrong type", `{"query":1}`, true},
		{"below minimum", `{"query":"go","k":0}`, true},
		{"empty treated as object", ``, true},
		{"not json", `{query}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateArguments(tool, json.RawMessage(tt.params))
			if tt.wantErr != (err != nil) {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidArguments) {
				t.Errorf("err = %v, want ErrInvalidArguments", err)
			}
		})
	}

	// Unregistered tools carry no schema.
	if err := ValidateArguments(echoTool("raw", ""), json.RawMessage(`{}`)); err != nil {
		t.Errorf("unregistered tool: %v", err)
	}
}

func TestAgentConfig_Review(t *testing.T) {
	cfg := AgentConfig{}
	cfg.Review.Keywords = []string{"secret", ""}
	if cfg.inputBlocked("a secret") || cfg.redact("a secret") != "a secret" {
		t.Error("review disabled must not moderate")
	}
	cfg.Review.Enable = true
	cfg.Review.Inputs.Enable = true
	cfg.Review.Outputs.Enable = true
	if !cfg.inputBlocked("a secret") {
		t.Error("expected blocked input")
	}
	if cfg.inputBlocked("nothing here") {
		t.Error("empty keyword must not match")
	}
	if got := cfg.redact("secret and secret"); got != "** and **" {
		t.Errorf("redact = %q", got)
	}
}

func TestAgentConfig_MaxIterations(t *testing.T) {
	if got := (AgentConfig{}).maxIterations(); got != DefaultMaxIterationCount {
		t.Errorf("default = %d", got)
	}
	if got := (AgentConfig{MaxIterationCount: IntPtr(-3)}).maxIterations(); got != 0 {
		t.Errorf("negative = %d", got)
	}
	if got := (AgentConfig{MaxIterationCount: IntPtr(2)}).maxIterations(); got != 2 {
		t.Errorf("explicit = %d", got)
	}
}
