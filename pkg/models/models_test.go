package models

import (
	"errors"
	"reflect"
	"testing"
)

func TestAgentEventKind_IsTerminal(t *testing.T) {
	tests := []struct {
		kind AgentEventKind
		want bool
	}{
		{AgentEventPing, false},
		{AgentEventThought, false},
		{AgentEventMessage, false},
		{AgentEventAction, false},
		{AgentEventDatasetRetrieval, false},
		{AgentEventLongTermMemoryRecall, false},
		{AgentEventEnd, true},
		{AgentEventStop, true},
		{AgentEventError, true},
		{AgentEventTimeout, true},
	}
	for _, tt := range tests {
		if got := tt.kind.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestSegmentStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to SegmentStatus
		want     bool
	}{
		{SegmentWaiting, SegmentIndexing, true},
		{SegmentIndexing, SegmentCompleted, true},
		{SegmentWaiting, SegmentCompleted, true},
		{SegmentCompleted, SegmentIndexing, false},
		{SegmentIndexing, SegmentWaiting, false},
		{SegmentCompleted, SegmentError, true},
		{SegmentWaiting, SegmentError, true},
		{SegmentError, SegmentCompleted, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestKeywordSet_AddRemove(t *testing.T) {
	table := &KeywordTable{KeywordTable: map[string][]string{
		"go": {"s1"},
	}}
	set := table.Set()
	set.Add("s2", []string{"go", "rust"})
	set.Add("s3", []string{"rust"})

	got := set.Table()
	want := map[string][]string{
		"go":   {"s1", "s2"},
		"rust": {"s2", "s3"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Table() = %v, want %v", got, want)
	}

	set.Remove([]string{"s1", "s2"})
	got = set.Table()
	want = map[string][]string{"rust": {"s3"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("after Remove Table() = %v, want %v", got, want)
	}
	if _, ok := set["go"]; ok {
		t.Fatal("expected empty keyword to be garbage collected")
	}
}

func TestProcessRule_Validate(t *testing.T) {
	valid := DefaultProcessRule()
	if err := valid.Validate(); err != nil {
		t.Fatalf("default rule should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*ProcessRule)
	}{
		{"unknown mode", func(p *ProcessRule) { p.Mode = "fancy" }},
		{"overlap too large", func(p *ProcessRule) { p.Rule.Segment.ChunkOverlap = 251 }},
		{"negative overlap", func(p *ProcessRule) { p.Rule.Segment.ChunkOverlap = -1 }},
		{"chunk size too small", func(p *ProcessRule) { p.Rule.Segment.ChunkSize = 10 }},
		{"chunk size too large", func(p *ProcessRule) { p.Rule.Segment.ChunkSize = 5000 }},
		{"bad separator", func(p *ProcessRule) { p.Rule.Segment.Separators = []string{"("} }},
		{"no separators", func(p *ProcessRule) { p.Rule.Segment.Separators = nil }},
		{"unknown pre-process", func(p *ProcessRule) {
			p.Rule.PreProcessRules = append(p.Rule.PreProcessRules, PreProcessRule{ID: "shout"})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule := DefaultProcessRule()
			tt.mutate(&rule)
			if err := rule.Validate(); !errors.Is(err, ErrInvalidProcessRule) {
				t.Fatalf("Validate() = %v, want ErrInvalidProcessRule", err)
			}
		})
	}
}

func TestProcessRule_NormalizeAutomatic(t *testing.T) {
	rule := ProcessRule{Mode: ProcessModeAutomatic, Rule: Rule{Segment: SegmentRule{ChunkSize: 1}}}
	rule.Normalize()
	if rule.Rule.Segment.ChunkSize != 500 || rule.Rule.Segment.ChunkOverlap != 50 {
		t.Fatalf("automatic rule not replaced by defaults: %+v", rule.Rule.Segment)
	}
	if !rule.Rule.Enabled(PreProcessRemoveExtraSpace) || !rule.Rule.Enabled(PreProcessRemoveURLAndEmail) {
		t.Fatal("expected default pre-process rules to be enabled")
	}
}
