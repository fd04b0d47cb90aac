package memory

import (
	"fmt"
	"strings"
	"testing"

	"github.com/haasonsaas/llmops/pkg/models"
)

func pairs(n int, size int) []models.Message {
	var out []models.Message
	for i := 0; i < n; i++ {
		out = append(out,
			models.HumanMessage(fmt.Sprintf("q%d%s", i, strings.Repeat("x", size))),
			models.AIMessage(fmt.Sprintf("a%d%s", i, strings.Repeat("y", size))),
		)
	}
	return out
}

func TestTokenBufferMemory_Trim(t *testing.T) {
	runes := func(s string) int { return len([]rune(s)) }

	tests := []struct {
		name      string
		cfg       BufferConfig
		history   []models.Message
		wantLen   int
		wantFirst string
	}{
		{"empty", BufferConfig{}, nil, 0, ""},
		{"fits", BufferConfig{MaxTokens: 1000}, pairs(3, 0), 6, "q0"},
		{"pair limit", BufferConfig{MaxTokens: 1000, MaxMessages: 2}, pairs(5, 0), 4, "q3"},
		// Each message is 2+8 runes, a pair is 20 tokens.
		{"token budget", BufferConfig{MaxTokens: 45}, pairs(4, 8), 4, "q2" + strings.Repeat("x", 8)},
		{"nothing fits", BufferConfig{MaxTokens: 5}, pairs(2, 8), 0, ""},
		{"unpaired tail", BufferConfig{MaxTokens: 1000}, append(pairs(1, 0), models.HumanMessage("dangling")), 2, "q0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NewTokenBufferMemory(tt.cfg, runes).Trim(tt.history)
			if len(got) != tt.wantLen {
				t.Fatalf("len = %d, want %d", len(got), tt.wantLen)
			}
			if len(got)%2 != 0 {
				t.Fatal("history must stay paired")
			}
			if tt.wantLen > 0 && got[0].Content != tt.wantFirst {
				t.Errorf("first = %q, want %q", got[0].Content, tt.wantFirst)
			}
			if tt.wantLen > 0 && got[0].Role != models.RoleUser {
				t.Errorf("first role = %s", got[0].Role)
			}
		})
	}
}

func TestTokenBufferMemory_Defaults(t *testing.T) {
	m := NewTokenBufferMemory(BufferConfig{}, nil)
	if m.maxTokens != DefaultMaxTokens || m.maxMessages != DefaultMaxMessages {
		t.Errorf("defaults = %d/%d", m.maxTokens, m.maxMessages)
	}
	// 16 chars estimate to 4 tokens.
	if got := m.count(strings.Repeat("a", 16)); got != 4 {
		t.Errorf("count = %d, want 4", got)
	}
	if got := m.Trim(pairs(12, 0)); len(got) != 2*DefaultMaxMessages {
		t.Errorf("len = %d", len(got))
	}
}

func TestConversations(t *testing.T) {
	c := NewConversations(NewTokenBufferMemory(BufferConfig{MaxMessages: 2}, nil))
	c.Append("", "ignored", "ignored")
	for i := 0; i < 20; i++ {
		c.Append("conv-1", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}

	got := c.History("conv-1")
	if len(got) != 4 || got[0].Content != "q18" || got[3].Content != "a19" {
		t.Errorf("history = %+v", got)
	}
	if n := len(c.turns["conv-1"]); n != 8 {
		t.Errorf("stored = %d, want 8", n)
	}
	if len(c.History("other")) != 0 {
		t.Error("unknown conversation should be empty")
	}

	c.Forget("conv-1")
	if len(c.History("conv-1")) != 0 {
		t.Error("forgotten conversation should be empty")
	}
}
