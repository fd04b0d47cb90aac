package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/internal/observability"
)

// cronParser supports both standard (5-field) and extended (6-field with seconds) cron expressions.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ValidateSchedule reports whether spec is a valid cron expression.
func ValidateSchedule(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// Scheduler runs tasks on cron schedules. A run that is still going when
// its next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *observability.Metrics

	mu  sync.RWMutex
	ctx context.Context
}

// NewScheduler creates an idle scheduler.
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default().With("component", "task-scheduler")
	}
	cl := cronLogger{logger: logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		ctx:    context.Background(),
	}
}

// WithMetrics sets the metrics sink.
func (s *Scheduler) WithMetrics(m *observability.Metrics) *Scheduler {
	s.metrics = m
	return s
}

// Add registers task to run on spec.
func (s *Scheduler) Add(spec string, task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	if err := ValidateSchedule(spec); err != nil {
		return err
	}
	_, err := s.cron.AddFunc(spec, func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		if err := task.Run(ctx); err != nil {
			s.logger.Error("scheduled task failed", "task", task.Name, "error", err)
			s.metrics.RecordTask(task.Name, "failed")
			return
		}
		s.metrics.RecordTask(task.Name, "success")
	})
	return err
}

// Start begins firing schedules. Runs use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	s.logger.Info("task scheduler started", "entries", len(s.cron.Entries()))
}

// Stop halts the schedule and waits for running jobs until ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepTask returns a task that deletes expired cache entries.
func SweepTask(p cache.Purger, logger *slog.Logger) Task {
	if logger == nil {
		logger = slog.Default().With("component", "cache-sweeper")
	}
	return Task{
		Name: "cache_sweep",
		Run: func(ctx context.Context) error {
			start := time.Now()
			n, err := p.Purge(ctx)
			if err != nil {
				return fmt.Errorf("purge cache: %w", err)
			}
			if n > 0 {
				logger.Info("purged expired cache entries", "count", n, "duration", time.Since(start))
			}
			return nil
		},
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}
