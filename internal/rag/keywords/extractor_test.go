package keywords

import (
	"reflect"
	"testing"
)

func TestExtractor_Extract(t *testing.T) {
	e := New()

	tests := []struct {
		name string
		text string
		topK int
		want []string
	}{
		{
			name: "frequency ranking",
			text: "Vector search and vector stores. Keyword search is lexical search.",
			topK: 3,
			want: []string{"search", "vector", "stores"},
		},
		{
			name: "case folding and stopwords",
			text: "The Agent and the AGENT",
			topK: 10,
			want: []string{"agent"},
		},
		{
			name: "han bigrams",
			text: "知识库检索",
			topK: 10,
			want: []string{"知识", "识库", "库检", "检索"},
		},
		{
			name: "han stop characters split bigrams",
			text: "我的知识",
			topK: 10,
			want: []string{"知识"},
		},
		{
			name: "numbers dropped",
			text: "2024 release v2",
			topK: 10,
			want: []string{"release", "v2"},
		},
		{
			name: "full width normalized",
			text: "ＡＰＩ api",
			topK: 10,
			want: []string{"api"},
		},
		{
			name: "empty",
			text: "  ",
			topK: 10,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Extract(tt.text, tt.topK)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Extract(%q) = %q, want %q", tt.text, got, tt.want)
			}
		})
	}
}

func TestExtractor_DefaultTopK(t *testing.T) {
	e := New()
	text := "alpha beta gamma delta epsilon zeta theta iota kappa lambda omicron sigma"
	if got := e.Extract(text, 0); len(got) != DefaultTopK {
		t.Fatalf("len(Extract) = %d, want %d", len(got), DefaultTopK)
	}
}

func TestExtractor_Options(t *testing.T) {
	e := New(WithStopwords("Agent"), WithMinLength(4))
	got := e.Extract("agent tool tools retrieval", 10)
	want := []string{"tool", "tools", "retrieval"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Extract = %q, want %q", got, want)
	}
}
