package chunker

import (
	"fmt"
	"regexp"

	"github.com/haasonsaas/llmops/pkg/models"
)

var (
	extraNewlines = regexp.MustCompile(`\n{3,}`)
	extraSpaces   = regexp.MustCompile(`[\t\f\r\x20\x{00a0}\x{1680}\x{180e}\x{2000}-\x{200a}\x{202f}\x{205f}\x{3000}]{2,}`)
	emailPattern  = regexp.MustCompile(`([a-zA-Z0-9_.+-]+@[a-zA-Z0-9-]+\.[a-zA-Z0-9-.]+)`)
	urlPattern    = regexp.MustCompile(`https?://[^\s]+`)
)

// Clean applies the rule's enabled pre-processing steps in declared order.
func Clean(text string, rule models.Rule) string {
	for _, pre := range rule.PreProcessRules {
		if !pre.Enabled {
			continue
		}
		switch pre.ID {
		case models.PreProcessRemoveExtraSpace:
			text = extraNewlines.ReplaceAllString(text, "\n\n")
			text = extraSpaces.ReplaceAllString(text, " ")
		case models.PreProcessRemoveURLAndEmail:
			text = emailPattern.ReplaceAllString(text, "")
			text = urlPattern.ReplaceAllString(text, "")
		}
	}
	return text
}

// NewRuleSplitter builds the recursive splitter described by a process rule.
// Lengths are measured with counter.
func NewRuleSplitter(rule models.ProcessRule, counter TokenCounter) (*RecursiveSplitter, error) {
	rule.Normalize()
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	seg := rule.Rule.Segment
	cfg := DefaultConfig()
	cfg.ChunkSize = seg.ChunkSize
	cfg.ChunkOverlap = seg.ChunkOverlap
	splitter, err := NewRecursiveSplitter(cfg, seg.Separators, counter)
	if err != nil {
		return nil, fmt.Errorf("build splitter: %w", err)
	}
	return splitter, nil
}
