// Package chunker turns a process rule into text cleaning and recursive
// splitting behavior for the indexing pipeline.
package chunker

import (
	"unicode/utf8"
)

// Config contains the size policy shared by splitters.
type Config struct {
	// ChunkSize is the maximum chunk length measured by the TokenCounter.
	// Default: 500
	ChunkSize int `yaml:"chunk_size"`

	// ChunkOverlap is the length shared between consecutive chunks.
	// Must not exceed half of ChunkSize. Default: 50
	ChunkOverlap int `yaml:"chunk_overlap"`

	// KeepSeparators attaches each matched separator to the start of the
	// following piece instead of dropping it. Default: true
	KeepSeparators bool `yaml:"keep_separators"`

	// PreserveWhitespace keeps leading/trailing whitespace in chunks.
	// Default: false
	PreserveWhitespace bool `yaml:"preserve_whitespace"`
}

// DefaultConfig returns the default chunker configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:          500,
		ChunkOverlap:       50,
		KeepSeparators:     true,
		PreserveWhitespace: false,
	}
}

// TokenCounter estimates token count for text.
// The splitter measures every length through it, never raw bytes.
type TokenCounter interface {
	// Count returns the estimated token count for text.
	Count(text string) int
}

// TokenCounterFunc adapts a plain function to TokenCounter.
type TokenCounterFunc func(text string) int

// Count calls f(text).
func (f TokenCounterFunc) Count(text string) int {
	return f(text)
}

// SimpleTokenCounter estimates tokens by dividing character count by average chars per token.
type SimpleTokenCounter struct {
	// CharsPerToken is the average characters per token (default: 4).
	CharsPerToken int
}

// Count returns the estimated token count.
func (c *SimpleTokenCounter) Count(text string) int {
	cpt := c.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	n := utf8.RuneCountInString(text)
	return (n + cpt - 1) / cpt
}

// RuneTokenCounter counts one token per rune.
type RuneTokenCounter struct{}

// Count returns the number of runes in text.
func (RuneTokenCounter) Count(text string) int {
	return utf8.RuneCountInString(text)
}
