// Package pdf extracts plain text from PDF documents.
package pdf

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/haasonsaas/llmops/internal/rag/parser"
)

// ErrNoText is returned for PDFs without an extractable text layer.
var ErrNoText = errors.New("pdf has no extractable text")

// Parser parses PDF documents.
type Parser struct{}

// New creates a new PDF parser.
func New() *Parser {
	return &Parser{}
}

// Name returns the parser name.
func (p *Parser) Name() string {
	return "pdf"
}

// SupportedTypes returns the MIME types this parser handles.
func (p *Parser) SupportedTypes() []string {
	return []string{"application/pdf"}
}

// SupportedExtensions returns the file extensions this parser handles.
func (p *Parser) SupportedExtensions() []string {
	return []string{".pdf"}
}

// Parse reads the whole document and extracts its text layer.
func (p *Parser) Parse(ctx context.Context, reader io.Reader) (*parser.ParseResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return nil, fmt.Errorf("extract pdf text: %w", err)
	}
	buf := new(strings.Builder)
	if _, err := io.Copy(buf, plain); err != nil {
		return nil, fmt.Errorf("read extracted text: %w", err)
	}

	// Some extractors emit NUL bytes that text columns reject.
	text := strings.TrimSpace(strings.ReplaceAll(buf.String(), "\x00", ""))
	if text == "" {
		return nil, ErrNoText
	}
	return &parser.ParseResult{Content: text}, nil
}

// Register registers the PDF parser with r.
func Register(r *parser.Registry) {
	r.Register(New())
}
