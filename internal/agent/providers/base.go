// Package providers adapts vendor LLM APIs to agent.LLMProvider.
//
// Each provider streams text deltas as they arrive, accumulates tool call
// arguments until a call is complete, and classifies vendor failures into
// ProviderError values. A request is retried with exponential backoff only
// while nothing has been delivered to the caller.
package providers

import (
	"context"
	"time"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = time.Second
	defaultMaxTokens  = 4096
)

// retrier holds the backoff policy shared by providers.
type retrier struct {
	maxRetries int
	delay      time.Duration
}

func newRetrier(maxRetries int, delay time.Duration) retrier {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if delay <= 0 {
		delay = defaultRetryDelay
	}
	return retrier{maxRetries: maxRetries, delay: delay}
}

// do runs op until it succeeds, fails with an error retryable rejects, or
// the retry budget is spent. Waits double after each failure.
func (r retrier) do(ctx context.Context, retryable func(error) bool, op func() error) error {
	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(r.delay << (attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err = op(); err == nil || !retryable(err) {
			return err
		}
	}
	return err
}
