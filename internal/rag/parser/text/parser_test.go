package text

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/llmops/internal/rag/parser"
)

func TestParser_Parse(t *testing.T) {
	p := New()
	res, err := p.Parse(context.Background(), strings.NewReader("\n\n  First line\r\nsecond\r\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if res.Content != "\n\n  First line\nsecond\n" {
		t.Errorf("Content = %q", res.Content)
	}
	if res.Title != "First line" {
		t.Errorf("Title = %q", res.Title)
	}
}

func TestFirstLine_Truncates(t *testing.T) {
	long := strings.Repeat("知", 120)
	got := firstLine(long)
	if want := strings.Repeat("知", 100) + "..."; got != want {
		t.Fatalf("firstLine length = %d runes", len([]rune(got)))
	}
}

func TestRegister_SetsDefault(t *testing.T) {
	r := parser.NewRegistry()
	Register(r)
	p, err := r.Get("application/x-unknown", ".bin")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if p.Name() != "text" {
		t.Fatalf("default = %s, want text", p.Name())
	}
}
