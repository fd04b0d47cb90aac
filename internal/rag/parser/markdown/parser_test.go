package markdown

import (
	"context"
	"strings"
	"testing"
)

func TestParser_Parse(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantContent string
		wantTitle   string
	}{
		{
			name:        "frontmatter title",
			input:       "---\ntitle: Guide\ntags: [a]\n---\n# Heading\n\nBody text\n",
			wantContent: "# Heading\n\nBody text",
			wantTitle:   "Guide",
		},
		{
			name:        "heading fallback",
			input:       "intro\n\n## Setup\nsteps",
			wantContent: "intro\n\n## Setup\nsteps",
			wantTitle:   "Setup",
		},
		{
			name:        "unterminated frontmatter kept",
			input:       "---\ntitle: x\nno end",
			wantContent: "---\ntitle: x\nno end",
			wantTitle:   "",
		},
		{
			name:        "crlf normalized",
			input:       "# T\r\nline\r\n",
			wantContent: "# T\nline",
			wantTitle:   "T",
		},
	}
	p := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := p.Parse(context.Background(), strings.NewReader(tt.input))
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if res.Content != tt.wantContent {
				t.Errorf("Content = %q, want %q", res.Content, tt.wantContent)
			}
			if res.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", res.Title, tt.wantTitle)
			}
		})
	}
}
