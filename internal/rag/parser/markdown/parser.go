// Package markdown provides a parser for Markdown documents with frontmatter support.
package markdown

import (
	"bufio"
	"context"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/llmops/internal/rag/parser"
)

// Parser parses Markdown documents. Frontmatter is removed from the
// content and its title, if any, is reported.
type Parser struct{}

// New creates a new Markdown parser.
func New() *Parser {
	return &Parser{}
}

// Name returns the parser name.
func (p *Parser) Name() string {
	return "markdown"
}

// SupportedTypes returns the MIME types this parser handles.
func (p *Parser) SupportedTypes() []string {
	return []string{
		"text/markdown",
		"text/x-markdown",
	}
}

// SupportedExtensions returns the file extensions this parser handles.
func (p *Parser) SupportedExtensions() []string {
	return []string{".md", ".markdown", ".mdown", ".mkd"}
}

// Parse extracts content and title from a Markdown document.
func (p *Parser) Parse(ctx context.Context, reader io.Reader) (*parser.ParseResult, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}

	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	frontmatter, body := extractFrontmatter(content)

	var title string
	if frontmatter != "" {
		var fm frontmatterData
		if err := yaml.Unmarshal([]byte(frontmatter), &fm); err == nil {
			title = fm.Title
		}
	}
	if title == "" {
		title = extractFirstHeading(body)
	}

	return &parser.ParseResult{
		Content: strings.TrimSpace(body),
		Title:   title,
	}, nil
}

// extractFrontmatter separates YAML frontmatter from content.
// Frontmatter must be at the start of the document, delimited by "---".
func extractFrontmatter(content string) (frontmatter, body string) {
	trimmed := strings.TrimLeft(content, " \n")
	if !strings.HasPrefix(trimmed, "---") {
		return "", content
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) < 3 {
		return "", content
	}
	for i := 1; i < len(lines); i++ {
		switch strings.TrimSpace(lines[i]) {
		case "---", "...":
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n")
		}
	}
	return "", content
}

type frontmatterData struct {
	Title string `yaml:"title"`
}

var headingRegex = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

func extractFirstHeading(content string) string {
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if matches := headingRegex.FindStringSubmatch(line); len(matches) == 3 {
			return strings.TrimSpace(matches[2])
		}
	}
	return ""
}

// Register registers the Markdown parser with r.
func Register(r *parser.Registry) {
	r.Register(New())
}
