// Package parser provides document parsing interfaces and implementations
// for the indexing pipeline.
package parser

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"
)

// Parser defines the interface for document parsers.
// Parsers extract plain text content from various document formats.
type Parser interface {
	// Parse extracts content from a document.
	// The reader provides the raw document bytes.
	Parse(ctx context.Context, reader io.Reader) (*ParseResult, error)

	// Name returns the parser name for logging and debugging.
	Name() string

	// SupportedTypes returns the MIME types this parser can handle.
	SupportedTypes() []string

	// SupportedExtensions returns the file extensions this parser can handle.
	SupportedExtensions() []string
}

// ParseResult contains the output of a parsing operation.
type ParseResult struct {
	// Content is the extracted text content.
	Content string

	// Title is a best-effort title taken from the document.
	Title string
}

// Registry manages available parsers.
type Registry struct {
	mu            sync.RWMutex
	parsersByType map[string]Parser
	parsersByExt  map[string]Parser
	defaultParser Parser
}

// NewRegistry creates a new parser registry.
func NewRegistry() *Registry {
	return &Registry{
		parsersByType: make(map[string]Parser),
		parsersByExt:  make(map[string]Parser),
	}
}

// Register adds a parser to the registry.
// The parser is registered for all its supported types and extensions.
func (r *Registry) Register(parser Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, mimeType := range parser.SupportedTypes() {
		r.parsersByType[strings.ToLower(mimeType)] = parser
	}
	for _, ext := range parser.SupportedExtensions() {
		r.parsersByExt[normalizeExt(ext)] = parser
	}
}

// SetDefault sets the parser used when no specific parser matches.
func (r *Registry) SetDefault(parser Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaultParser = parser
}

// Get returns the best parser for the given content type and extension.
// It first tries to match by content type, then by extension, then falls back to default.
func (r *Registry) Get(contentType, ext string) (Parser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	// Drop parameters like charset.
	if idx := strings.Index(contentType, ";"); idx != -1 {
		contentType = contentType[:idx]
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))
	if contentType != "" {
		if p, ok := r.parsersByType[contentType]; ok {
			return p, nil
		}
	}
	if ext != "" {
		if p, ok := r.parsersByExt[normalizeExt(ext)]; ok {
			return p, nil
		}
	}
	if r.defaultParser != nil {
		return r.defaultParser, nil
	}
	return nil, fmt.Errorf("no parser found for content type %q, extension %q", contentType, ext)
}

// Parse selects a parser and sanitizes its output.
func (r *Registry) Parse(ctx context.Context, reader io.Reader, contentType, ext string) (*ParseResult, error) {
	p, err := r.Get(contentType, ext)
	if err != nil {
		return nil, err
	}
	result, err := p.Parse(ctx, reader)
	if err != nil {
		return nil, fmt.Errorf("%s parser: %w", p.Name(), err)
	}
	result.Content = Sanitize(result.Content)
	return result, nil
}

// Sanitize removes control and format characters, keeping newlines,
// carriage returns and tabs.
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', '\t':
			return r
		}
		if unicode.Is(unicode.Cc, r) || unicode.Is(unicode.Cf, r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, s)
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}
