// Package backoff computes jittered exponential delays and runs retry
// loops for background tasks.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// Initial is the delay before the second attempt.
	Initial time.Duration `yaml:"initial" json:"initial,omitempty"`
	// Max caps any single delay.
	Max time.Duration `yaml:"max" json:"max,omitempty"`
	// Factor is the growth applied per attempt.
	Factor float64 `yaml:"factor" json:"factor,omitempty"`
	// Jitter is the randomization fraction (0.0 to 1.0) added on top.
	Jitter float64 `yaml:"jitter" json:"jitter,omitempty"`
}

// DefaultPolicy returns 500ms initial, 30s max, factor 2, 10% jitter.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 500 * time.Millisecond,
		Max:     30 * time.Second,
		Factor:  2,
		Jitter:  0.1,
	}
}

// Delay returns the wait after the given failed attempt (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	return p.delay(attempt, rand.Float64()) // #nosec G404 -- jitter does not need crypto randomness
}

// delay computes min(max, base + base*jitter*r) where
// base = initial * factor^(attempt-1).
func (p Policy) delay(attempt int, r float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*r
	if p.Max > 0 {
		total = math.Min(float64(p.Max), total)
	}
	return time.Duration(math.Round(total))
}
