package chunker

import (
	"fmt"
	"regexp"
	"strings"
)

// separator is a compiled split pattern. An empty pattern splits per rune.
type separator struct {
	pattern string
	re      *regexp.Regexp
}

// RecursiveSplitter implements a recursive chunking strategy.
// It tries to split on larger separators first, then falls back to smaller ones.
// Separators are regular expressions; the empty separator splits into runes.
type RecursiveSplitter struct {
	config       Config
	separators   []separator
	tokenCounter TokenCounter
}

// SplitResult is the output of one split.
type SplitResult struct {
	Chunks []string

	// Oversized lists the indexes of chunks whose token count exceeds
	// ChunkSize because a single unit could not be split further.
	Oversized []int
}

// DefaultSeparators returns the default separator hierarchy.
// Splits are attempted in order, from largest semantic units to smallest.
var DefaultSeparators = []string{
	"\n\n",
	"\n",
	"。|！|？",
	`\.\s|\!\s|\?\s`,
	`；|;\s`,
	`，|,\s`,
	" ",
	"", // Character (last resort)
}

// NewRecursiveSplitter creates a splitter for the given separators.
// A nil counter measures length in runes.
func NewRecursiveSplitter(cfg Config, separators []string, counter TokenCounter) (*RecursiveSplitter, error) {
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", cfg.ChunkSize)
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap > cfg.ChunkSize/2 {
		return nil, fmt.Errorf("chunk overlap %d must be between 0 and %d", cfg.ChunkOverlap, cfg.ChunkSize/2)
	}
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	compiled := make([]separator, 0, len(separators))
	for _, pattern := range separators {
		sep := separator{pattern: pattern}
		if pattern != "" {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("compile separator %q: %w", pattern, err)
			}
			sep.re = re
		}
		compiled = append(compiled, sep)
	}
	if counter == nil {
		counter = RuneTokenCounter{}
	}
	return &RecursiveSplitter{
		config:       cfg,
		separators:   compiled,
		tokenCounter: counter,
	}, nil
}

// Name returns the chunker name.
func (s *RecursiveSplitter) Name() string {
	return "recursive_regex"
}

// Config returns the size policy the splitter was built with.
func (s *RecursiveSplitter) Config() Config {
	return s.config
}

// SplitText splits text and returns only the chunks.
func (s *RecursiveSplitter) SplitText(text string) []string {
	return s.Split(text).Chunks
}

// Split splits text into chunks of at most ChunkSize tokens, except for
// atomic units that cannot be split further, which are kept whole.
func (s *RecursiveSplitter) Split(text string) *SplitResult {
	result := &SplitResult{}
	if strings.TrimSpace(text) == "" {
		return result
	}
	result.Chunks = s.splitText(text, s.separators)
	for i, chunk := range result.Chunks {
		if s.tokenCounter.Count(chunk) > s.config.ChunkSize {
			result.Oversized = append(result.Oversized, i)
		}
	}
	return result
}

// splitText recursively splits text using the separator hierarchy.
func (s *RecursiveSplitter) splitText(text string, separators []separator) []string {
	var final []string

	// Pick the first separator that matches; the empty separator always does.
	sep := separators[len(separators)-1]
	var rest []separator
	for i, candidate := range separators {
		if candidate.re == nil {
			sep = candidate
			break
		}
		if candidate.re.MatchString(text) {
			sep = candidate
			rest = separators[i+1:]
			break
		}
	}

	splits := s.splitWithSeparator(text, sep)

	// Pieces are rejoined with nothing when separators are kept in place.
	// Dropped separators are restored only when they are plain literals.
	joiner := ""
	if !s.config.KeepSeparators && sep.re != nil && regexp.QuoteMeta(sep.pattern) == sep.pattern {
		joiner = sep.pattern
	}

	var good []string
	for _, piece := range splits {
		if s.tokenCounter.Count(piece) < s.config.ChunkSize {
			good = append(good, piece)
			continue
		}
		if len(good) > 0 {
			final = append(final, s.mergeSplits(good, joiner)...)
			good = nil
		}
		if len(rest) == 0 {
			if doc, ok := s.joinDocs([]string{piece}, ""); ok {
				final = append(final, doc)
			}
		} else {
			final = append(final, s.splitText(piece, rest)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.mergeSplits(good, joiner)...)
	}
	return final
}

// splitWithSeparator splits text on every match of sep. When separators
// are kept, each match is prepended to the piece that follows it.
func (s *RecursiveSplitter) splitWithSeparator(text string, sep separator) []string {
	var splits []string
	if sep.re == nil {
		splits = make([]string, 0, len(text))
		for _, r := range text {
			splits = append(splits, string(r))
		}
		return splits
	}

	matches := sep.re.FindAllStringIndex(text, -1)
	if !s.config.KeepSeparators {
		last := 0
		for _, m := range matches {
			splits = append(splits, text[last:m[0]])
			last = m[1]
		}
		splits = append(splits, text[last:])
	} else {
		last := 0
		for _, m := range matches {
			splits = append(splits, text[last:m[0]])
			last = m[0]
		}
		splits = append(splits, text[last:])
	}

	out := splits[:0]
	for _, piece := range splits {
		if piece != "" {
			out = append(out, piece)
		}
	}
	return out
}

// mergeSplits combines small pieces into chunks up to ChunkSize, carrying
// trailing pieces of each emitted chunk forward as overlap.
func (s *RecursiveSplitter) mergeSplits(splits []string, joiner string) []string {
	joinerLen := s.tokenCounter.Count(joiner)
	size := s.config.ChunkSize
	overlap := s.config.ChunkOverlap

	var docs []string
	var current []string
	total := 0

	sepCost := func(n int) int {
		if n > 0 {
			return joinerLen
		}
		return 0
	}

	for _, piece := range splits {
		pieceLen := s.tokenCounter.Count(piece)
		if total+pieceLen+sepCost(len(current)) > size {
			if len(current) > 0 {
				if doc, ok := s.joinDocs(current, joiner); ok {
					docs = append(docs, doc)
				}
				for total > overlap || (total+pieceLen+sepCost(len(current)) > size && total > 0) {
					dropped := s.tokenCounter.Count(current[0])
					if len(current) > 1 {
						dropped += joinerLen
					}
					total -= dropped
					current = current[1:]
				}
			}
		}
		current = append(current, piece)
		total += pieceLen
		if len(current) > 1 {
			total += joinerLen
		}
	}
	if doc, ok := s.joinDocs(current, joiner); ok {
		docs = append(docs, doc)
	}
	return docs
}

func (s *RecursiveSplitter) joinDocs(pieces []string, joiner string) (string, bool) {
	text := strings.Join(pieces, joiner)
	if !s.config.PreserveWhitespace {
		text = strings.TrimSpace(text)
	}
	return text, text != ""
}
