package models

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

// ProcessMode selects between the built-in chunking policy and a custom one.
type ProcessMode string

const (
	ProcessModeAutomatic ProcessMode = "automatic"
	ProcessModeCustom    ProcessMode = "custom"
)

// Pre-processing rule identifiers.
const (
	PreProcessRemoveExtraSpace  = "remove_extra_space"
	PreProcessRemoveURLAndEmail = "remove_url_and_email"
)

// Chunk size bounds accepted for custom rules.
const (
	MinChunkSize = 100
	MaxChunkSize = 1000
)

// ErrInvalidProcessRule is returned when a chunking policy fails validation.
var ErrInvalidProcessRule = errors.New("invalid process rule")

// PreProcessRule toggles one text-cleaning step.
type PreProcessRule struct {
	ID      string `json:"id" yaml:"id"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// SegmentRule configures the recursive splitter.
type SegmentRule struct {
	// Separators are regular expressions tried in order; "" splits per character.
	Separators   []string `json:"separators" yaml:"separators"`
	ChunkSize    int      `json:"chunk_size" yaml:"chunk_size"`
	ChunkOverlap int      `json:"chunk_overlap" yaml:"chunk_overlap"`
}

// Rule is the body of a process rule.
type Rule struct {
	PreProcessRules []PreProcessRule `json:"pre_process_rules" yaml:"pre_process_rules"`
	Segment         SegmentRule      `json:"segment" yaml:"segment"`
}

// ProcessRule is an immutable chunking policy snapshot attached to a
// document batch at creation time.
type ProcessRule struct {
	ID        string      `json:"id"`
	AccountID string      `json:"account_id"`
	DatasetID string      `json:"dataset_id"`
	Mode      ProcessMode `json:"mode"`
	Rule      Rule        `json:"rule"`
	CreatedAt time.Time   `json:"created_at"`
}

// DefaultRule returns the built-in chunking policy.
func DefaultRule() Rule {
	return Rule{
		PreProcessRules: []PreProcessRule{
			{ID: PreProcessRemoveExtraSpace, Enabled: true},
			{ID: PreProcessRemoveURLAndEmail, Enabled: true},
		},
		Segment: SegmentRule{
			Separators: []string{
				"\n\n",
				"\n",
				"。|！|？",
				`\.\s|\!\s|\?\s`,
				`；|;\s`,
				`，|,\s`,
				" ",
				"",
			},
			ChunkSize:    500,
			ChunkOverlap: 50,
		},
	}
}

// DefaultProcessRule returns a custom-mode rule carrying the defaults.
func DefaultProcessRule() ProcessRule {
	return ProcessRule{Mode: ProcessModeCustom, Rule: DefaultRule()}
}

// Normalize replaces the rule body with the defaults in automatic mode.
func (p *ProcessRule) Normalize() {
	if p.Mode == "" || p.Mode == ProcessModeAutomatic {
		p.Mode = ProcessModeAutomatic
		p.Rule = DefaultRule()
	}
}

// Validate checks the rule. Automatic rules are always valid once normalized.
func (p *ProcessRule) Validate() error {
	switch p.Mode {
	case ProcessModeAutomatic:
		return nil
	case ProcessModeCustom:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidProcessRule, p.Mode)
	}

	seen := make(map[string]bool, len(p.Rule.PreProcessRules))
	for _, pre := range p.Rule.PreProcessRules {
		switch pre.ID {
		case PreProcessRemoveExtraSpace, PreProcessRemoveURLAndEmail:
		default:
			return fmt.Errorf("%w: unknown pre-process rule %q", ErrInvalidProcessRule, pre.ID)
		}
		if seen[pre.ID] {
			return fmt.Errorf("%w: duplicate pre-process rule %q", ErrInvalidProcessRule, pre.ID)
		}
		seen[pre.ID] = true
	}

	seg := p.Rule.Segment
	if len(seg.Separators) == 0 {
		return fmt.Errorf("%w: separators must not be empty", ErrInvalidProcessRule)
	}
	for _, sep := range seg.Separators {
		if _, err := regexp.Compile(sep); err != nil {
			return fmt.Errorf("%w: separator %q: %v", ErrInvalidProcessRule, sep, err)
		}
	}
	if seg.ChunkSize < MinChunkSize || seg.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk_size must be between %d and %d", ErrInvalidProcessRule, MinChunkSize, MaxChunkSize)
	}
	if seg.ChunkOverlap < 0 || seg.ChunkOverlap > seg.ChunkSize/2 {
		return fmt.Errorf("%w: chunk_overlap must be between 0 and %d", ErrInvalidProcessRule, seg.ChunkSize/2)
	}
	return nil
}

// Enabled reports whether the pre-processing step id is switched on.
func (r Rule) Enabled(id string) bool {
	for _, pre := range r.PreProcessRules {
		if pre.ID == id {
			return pre.Enabled
		}
	}
	return false
}
