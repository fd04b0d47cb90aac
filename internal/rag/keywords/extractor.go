// Package keywords extracts ranked keywords from text for the lexical
// index. The same extractor must be used at indexing and query time.
package keywords

import (
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// DefaultTopK is the number of keywords kept per segment and per query.
const DefaultTopK = 10

// Extractor tokenizes text and ranks tokens by term frequency.
//
// Latin-script and digit runs are split on non-letters and case folded.
// Han runs have no word boundaries, so they are emitted as overlapping
// bigrams; a lone Han character is kept as a unigram.
//
// An Extractor is safe for concurrent use.
type Extractor struct {
	stopwords map[string]struct{}
	stopHan   map[rune]struct{}
	minLen    int
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithStopwords adds extra stopwords (compared after case folding).
func WithStopwords(words ...string) Option {
	return func(e *Extractor) {
		for _, w := range words {
			e.stopwords[cases.Fold().String(w)] = struct{}{}
		}
	}
}

// WithMinLength sets the minimum rune length of non-Han tokens. Default: 2
func WithMinLength(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.minLen = n
		}
	}
}

// New creates an extractor with the built-in stopword lists.
func New(opts ...Option) *Extractor {
	e := &Extractor{
		stopwords: make(map[string]struct{}, len(englishStopwords)),
		stopHan:   make(map[rune]struct{}, len(hanStopChars)),
		minLen:    2,
	}
	for _, w := range englishStopwords {
		e.stopwords[w] = struct{}{}
	}
	for _, r := range hanStopChars {
		e.stopHan[r] = struct{}{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

type rankedToken struct {
	token string
	count int
	first int
}

// Extract returns up to topK keywords ordered by frequency, ties broken by
// first occurrence. A non-positive topK uses DefaultTopK.
func (e *Extractor) Extract(text string, topK int) []string {
	if topK <= 0 {
		topK = DefaultTopK
	}
	tokens := e.Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	index := make(map[string]*rankedToken, len(tokens))
	ranked := make([]*rankedToken, 0, len(tokens))
	for i, tok := range tokens {
		if rt, ok := index[tok]; ok {
			rt.count++
			continue
		}
		rt := &rankedToken{token: tok, count: 1, first: i}
		index[tok] = rt
		ranked = append(ranked, rt)
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].first < ranked[j].first
	})

	if len(ranked) > topK {
		ranked = ranked[:topK]
	}
	out := make([]string, len(ranked))
	for i, rt := range ranked {
		out[i] = rt.token
	}
	return out
}

// Tokenize returns the filtered token stream of text in reading order.
func (e *Extractor) Tokenize(text string) []string {
	// Casers carry state, so each call gets its own.
	text = cases.Fold().String(norm.NFKC.String(text))

	var tokens []string
	var word []rune
	var han []rune

	flushWord := func() {
		if len(word) == 0 {
			return
		}
		tok := string(word)
		word = word[:0]
		if len(tok) == 0 || len([]rune(tok)) < e.minLen || isNumeric(tok) {
			return
		}
		if _, stop := e.stopwords[tok]; stop {
			return
		}
		tokens = append(tokens, tok)
	}
	flushHan := func() {
		if len(han) == 0 {
			return
		}
		tokens = append(tokens, e.hanTokens(han)...)
		han = han[:0]
	}

	for _, r := range text {
		switch {
		case unicode.Is(unicode.Han, r):
			flushWord()
			han = append(han, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushHan()
			word = append(word, r)
		default:
			flushWord()
			flushHan()
		}
	}
	flushWord()
	flushHan()
	return tokens
}

// hanTokens emits bigrams over a Han run, skipping any that touch a
// function character.
func (e *Extractor) hanTokens(run []rune) []string {
	if len(run) == 1 {
		if _, stop := e.stopHan[run[0]]; stop {
			return nil
		}
		return []string{string(run)}
	}
	tokens := make([]string, 0, len(run)-1)
	for i := 0; i+1 < len(run); i++ {
		_, stopA := e.stopHan[run[i]]
		_, stopB := e.stopHan[run[i+1]]
		if stopA || stopB {
			continue
		}
		tokens = append(tokens, string(run[i:i+2]))
	}
	return tokens
}

func isNumeric(s string) bool {
	return strings.IndexFunc(s, func(r rune) bool { return !unicode.IsDigit(r) }) == -1
}
