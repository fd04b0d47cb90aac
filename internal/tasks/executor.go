package tasks

import (
	"context"
	"log/slog"
	"sync"

	"github.com/haasonsaas/llmops/internal/backoff"
	"github.com/haasonsaas/llmops/internal/observability"
)

// Executor runs submitted tasks on a fixed pool of worker goroutines and
// retries failures with exponential backoff.
//
// Tasks run under the executor's own context, not the submitter's, so a
// request handler can return while its task continues.
type Executor struct {
	config  Config
	queue   chan Task
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ Submitter = (*Executor)(nil)

// NewExecutor creates an executor. Call Start before tasks are processed.
func NewExecutor(cfg Config) *Executor {
	cfg.applyDefaults()
	return &Executor{
		config: cfg,
		queue:  make(chan Task, cfg.QueueSize),
		logger: slog.Default().With("component", "task-executor"),
	}
}

// WithLogger sets the logger.
func (e *Executor) WithLogger(logger *slog.Logger) *Executor {
	if logger != nil {
		e.logger = logger
	}
	return e
}

// WithMetrics sets the metrics sink.
func (e *Executor) WithMetrics(m *observability.Metrics) *Executor {
	e.metrics = m
	return e
}

// Start launches the workers. It is a no-op if already running.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running || e.closed {
		return
	}
	e.running = true

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	for i := 0; i < e.config.Workers; i++ {
		e.wg.Add(1)
		go e.worker(ctx, i)
	}
	e.logger.Info("task executor started", "workers", e.config.Workers)
}

// Submit queues a task. It blocks while the queue is full, until ctx ends.
func (e *Executor) Submit(ctx context.Context, task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return ErrClosed
	}
	select {
	case e.queue <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop stops accepting tasks and waits for queued ones to finish. If ctx
// ends first, running tasks are cancelled and ctx.Err is returned.
func (e *Executor) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	running := e.running
	e.mu.Unlock()

	if !running {
		return nil
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.cancel()
		e.logger.Info("task executor stopped")
		return nil
	case <-ctx.Done():
		e.cancel()
		<-done
		return ctx.Err()
	}
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for task := range e.queue {
		e.run(ctx, id, task)
	}
}

func (e *Executor) run(ctx context.Context, worker int, task Task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("task panicked", "task", task.Name, "worker", worker, "panic", r)
			e.metrics.RecordTask(task.Name, "panic")
		}
	}()

	attempts := task.MaxAttempts
	if attempts <= 0 {
		attempts = e.config.MaxAttempts
	}

	n, err := backoff.Retry(ctx, e.config.Backoff, attempts, func(attempt int) error {
		runCtx := ctx
		if e.config.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(ctx, e.config.Timeout)
			defer cancel()
		}
		err := task.Run(runCtx)
		if err != nil && attempt < attempts && !backoff.IsPermanent(err) {
			e.logger.Warn("task attempt failed",
				"task", task.Name,
				"attempt", attempt,
				"error", err,
			)
			e.metrics.RecordTask(task.Name, "retry")
		}
		return err
	})
	if err != nil {
		e.logger.Error("task failed", "task", task.Name, "attempts", n, "error", err)
		e.metrics.RecordTask(task.Name, "failed")
		return
	}
	e.logger.Debug("task completed", "task", task.Name, "attempts", n)
	e.metrics.RecordTask(task.Name, "success")
}
