// Package text provides a parser for plain text documents.
package text

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/haasonsaas/llmops/internal/rag/parser"
)

// Parser parses plain text documents.
type Parser struct{}

// New creates a new plain text parser.
func New() *Parser {
	return &Parser{}
}

// Name returns the parser name.
func (p *Parser) Name() string {
	return "text"
}

// SupportedTypes returns the MIME types this parser handles.
func (p *Parser) SupportedTypes() []string {
	return []string{
		"text/plain",
		"text/csv",
		"text/tab-separated-values",
		"application/json",
		"application/xml",
		"text/xml",
	}
}

// SupportedExtensions returns the file extensions this parser handles.
func (p *Parser) SupportedExtensions() []string {
	return []string{".txt", ".text", ".csv", ".tsv", ".json", ".xml", ".log"}
}

// Parse returns the document as-is with line endings normalized.
func (p *Parser) Parse(ctx context.Context, reader io.Reader) (*parser.ParseResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	return &parser.ParseResult{
		Content: content,
		Title:   firstLine(content),
	}, nil
}

// firstLine gets the first non-empty line as a potential title.
func firstLine(content string) string {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 100 {
			return string(r[:100]) + "..."
		}
		return line
	}
	return ""
}

// Register registers the text parser with r and makes it the default
// for unknown types.
func Register(r *parser.Registry) {
	p := New()
	r.Register(p)
	r.SetDefault(p)
}
