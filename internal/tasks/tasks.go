// Package tasks runs background work: indexing builds, enable toggles and
// deletions submitted by request handlers, plus periodic maintenance.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/haasonsaas/llmops/internal/backoff"
)

var (
	ErrClosed      = errors.New("task executor is closed")
	ErrInvalidTask = errors.New("task requires a name and a run function")
)

// Task is one unit of background work. Run may be called more than once:
// delivery is at least once, so Run must tolerate repeats.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	// MaxAttempts overrides the executor default when positive.
	MaxAttempts int
}

func (t Task) validate() error {
	if t.Name == "" || t.Run == nil {
		return ErrInvalidTask
	}
	return nil
}

// Submitter accepts tasks for later execution.
type Submitter interface {
	Submit(ctx context.Context, task Task) error
}

// Config configures the executor.
type Config struct {
	// Workers is the number of concurrent tasks. Default: 4
	Workers int `yaml:"workers" json:"workers,omitempty"`

	// QueueSize bounds pending tasks; Submit blocks when full. Default: 256
	QueueSize int `yaml:"queue_size" json:"queue_size,omitempty"`

	// MaxAttempts per task, including the first. Default: 3
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts,omitempty"`

	// Timeout bounds one attempt. Zero means no limit.
	Timeout time.Duration `yaml:"timeout" json:"timeout,omitempty"`

	Backoff backoff.Policy `yaml:"backoff" json:"backoff,omitempty"`
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		Workers:     4,
		QueueSize:   256,
		MaxAttempts: 3,
		Timeout:     30 * time.Minute,
		Backoff:     backoff.DefaultPolicy(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff = d.Backoff
	}
}

// Inline runs tasks synchronously in the caller's goroutine. It is used by
// the CLI, where the process exits once the command returns.
type Inline struct {
	MaxAttempts int
	Backoff     backoff.Policy
	Logger      *slog.Logger
}

var _ Submitter = (*Inline)(nil)

// Submit runs the task with retries and returns its final error.
func (in *Inline) Submit(ctx context.Context, task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	attempts := task.MaxAttempts
	if attempts <= 0 {
		attempts = in.MaxAttempts
	}
	logger := in.Logger
	if logger == nil {
		logger = slog.Default().With("component", "tasks")
	}
	n, err := backoff.Retry(ctx, in.Backoff, attempts, func(int) error {
		return task.Run(ctx)
	})
	if err != nil {
		logger.Error("task failed", "task", task.Name, "attempts", n, "error", err)
	}
	return err
}
