// Package hashing provides an offline embedding provider based on feature
// hashing of word tokens. It needs no model and is deterministic, which
// makes it useful for local runs and tests; its similarity is purely
// lexical.
package hashing

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"

	"github.com/haasonsaas/llmops/internal/memory/embeddings"
)

// DefaultDimension is used when Config.Dimension is unset.
const DefaultDimension = 256

// Config configures the hashing provider.
type Config struct {
	Dimension int
}

// Provider implements embeddings.Provider with hashed token counts.
type Provider struct {
	dim int
}

var _ embeddings.Provider = (*Provider)(nil)

// New creates a hashing provider.
func New(cfg Config) *Provider {
	if cfg.Dimension <= 0 {
		cfg.Dimension = DefaultDimension
	}
	return &Provider{dim: cfg.Dimension}
}

func (p *Provider) Name() string      { return "hashing" }
func (p *Provider) Dimension() int    { return p.dim }
func (p *Provider) MaxBatchSize() int { return 512 }

func (p *Provider) CountTokens(text string) int {
	return embeddings.EstimateTokens(text)
}

func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec := make([]float32, p.dim)
	for _, tok := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum32()
		sign := float32(1)
		if sum&1 == 1 {
			sign = -1
		}
		vec[int(sum>>1)%p.dim] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
