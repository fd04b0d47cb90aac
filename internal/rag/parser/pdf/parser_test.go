package pdf

import (
	"context"
	"strings"
	"testing"

	"github.com/haasonsaas/llmops/internal/rag/parser"
)

func TestParser_RejectsNonPDF(t *testing.T) {
	_, err := New().Parse(context.Background(), strings.NewReader("definitely not a pdf"))
	if err == nil {
		t.Fatal("expected error for non-pdf input")
	}
}

func TestParser_HonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Parse(ctx, strings.NewReader("%PDF-1.4")); err == nil {
		t.Fatal("expected context error")
	}
}

func TestRegister(t *testing.T) {
	r := parser.NewRegistry()
	Register(r)
	p, err := r.Get("application/pdf", "")
	if err != nil || p.Name() != "pdf" {
		t.Fatalf("Get(application/pdf) = %v, %v", p, err)
	}
}
