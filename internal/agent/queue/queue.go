// Package queue delivers agent events from the worker that produces them to
// the listener that streams them to a client.
//
// Every task gets an in-process FIFO. Listeners inject heartbeat, timeout and
// stop events while a task is idle. Task ownership and stop requests live in
// the shared cache so that a stop issued on one node reaches a task running
// on another.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/internal/observability"
	"github.com/haasonsaas/llmops/pkg/models"
)

// Config tunes listener polling and cache key lifetimes.
type Config struct {
	// PollInterval is how long a listener waits for an event before it
	// checks heartbeat, timeout and stop conditions.
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	PingInterval time.Duration `yaml:"ping_interval" json:"ping_interval"`
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	BelongTTL    time.Duration `yaml:"belong_ttl" json:"belong_ttl"`
	StopTTL      time.Duration `yaml:"stop_ttl" json:"stop_ttl"`
}

// DefaultConfig returns the production intervals.
func DefaultConfig() Config {
	return Config{
		PollInterval: time.Second,
		PingInterval: 10 * time.Second,
		Timeout:      600 * time.Second,
		BelongTTL:    30 * time.Minute,
		StopTTL:      600 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.BelongTTL <= 0 {
		c.BelongTTL = d.BelongTTL
	}
	if c.StopTTL <= 0 {
		c.StopTTL = d.StopTTL
	}
}

// BelongKey records which caller owns a task.
func BelongKey(taskID string) string { return "generate_task_belong_cache:" + taskID }

// StopKey flags a task for cooperative cancellation.
func StopKey(taskID string) string { return "generate_task_stopped:" + taskID }

// Publisher accepts events for a task.
type Publisher interface {
	Publish(taskID string, event models.AgentEvent)
}

// Manager is the registry of live task queues.
type Manager struct {
	cache   cache.Cache
	config  Config
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time

	mu     sync.Mutex
	queues map[string]*taskQueue
	owners map[string]string
	// finished remembers recently closed tasks so late publishes are dropped
	// instead of opening a queue nobody listens to.
	finished map[string]time.Time
}

// NewManager creates a queue manager backed by c.
func NewManager(c cache.Cache, cfg Config, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default().With("component", "agent_queue")
	}
	return &Manager{
		cache:    c,
		config:   cfg,
		logger:   logger,
		now:      time.Now,
		queues:   make(map[string]*taskQueue),
		owners:   make(map[string]string),
		finished: make(map[string]time.Time),
	}
}

// WithMetrics counts published events by kind.
func (m *Manager) WithMetrics(metrics *observability.Metrics) *Manager {
	m.metrics = metrics
	return m
}

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.config }

// Bind records the owner of a task. It must be called before the first
// Publish for the belong key to be written.
func (m *Manager) Bind(taskID, invokeFrom, principalID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.owners[taskID] = owner(invokeFrom, principalID)
}

func owner(invokeFrom, principalID string) string {
	return fmt.Sprintf("%s-%s", invokeFrom, principalID)
}

// Publish appends event to the task's queue. A terminal event closes the
// queue; anything published afterwards is dropped.
func (m *Manager) Publish(taskID string, event models.AgentEvent) {
	q := m.queue(taskID)
	if q == nil {
		m.logger.Warn("dropping event for finished task", "task_id", taskID, "event", event.Event)
		return
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	event.TaskID = taskID
	if event.CreatedAt.IsZero() {
		event.CreatedAt = m.now().UTC()
	}
	if !q.push(event) {
		m.logger.Warn("dropping event for closed task", "task_id", taskID, "event", event.Event)
		return
	}
	m.metrics.AgentEvent(string(event.Event))
}

// queue returns the task's queue, creating it and writing the belong key on
// first use. It returns nil for a task that already finished.
func (m *Manager) queue(taskID string) *taskQueue {
	m.mu.Lock()
	if q, ok := m.queues[taskID]; ok {
		m.mu.Unlock()
		return q
	}
	if _, done := m.finished[taskID]; done {
		m.mu.Unlock()
		return nil
	}
	m.pruneFinishedLocked()
	q := newTaskQueue()
	m.queues[taskID] = q
	value, bound := m.owners[taskID]
	m.mu.Unlock()

	if bound {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.cache.Set(ctx, BelongKey(taskID), value, m.config.BelongTTL); err != nil {
			m.logger.Warn("failed to record task owner", "task_id", taskID, "error", err)
		}
	}
	return q
}

func (m *Manager) pruneFinishedLocked() {
	cutoff := m.now().Add(-m.config.BelongTTL)
	for id, at := range m.finished {
		if at.Before(cutoff) {
			delete(m.finished, id)
		}
	}
}

func (m *Manager) remove(taskID string, q *taskQueue) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queues[taskID] == q {
		delete(m.queues, taskID)
		delete(m.owners, taskID)
		m.finished[taskID] = m.now()
	}
	q.close()
}

// Listen streams the task's events in publish order. The channel closes
// after a terminal event or when ctx is cancelled.
func (m *Manager) Listen(ctx context.Context, taskID string) <-chan models.AgentEvent {
	out := make(chan models.AgentEvent)
	q := m.queue(taskID)
	if q == nil {
		close(out)
		return out
	}
	go m.listen(ctx, taskID, q, out)
	return out
}

func (m *Manager) listen(ctx context.Context, taskID string, q *taskQueue, out chan<- models.AgentEvent) {
	defer close(out)
	defer m.remove(taskID, q)

	start := m.now()
	var (
		pings    int64
		timedOut bool
		stopped  bool
	)
	for {
		event, ok, closed := q.pop()
		if ok {
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
			if event.Event.IsTerminal() {
				return
			}
			continue
		}
		if closed {
			return
		}

		wait := time.NewTimer(m.config.PollInterval)
		select {
		case <-ctx.Done():
			wait.Stop()
			return
		case <-q.signal:
			wait.Stop()
			continue
		case <-wait.C:
		}

		elapsed := m.now().Sub(start)
		if n := int64(elapsed / m.config.PingInterval); n > pings {
			pings = n
			m.Publish(taskID, models.AgentEvent{Event: models.AgentEventPing})
		}
		if !timedOut && elapsed >= m.config.Timeout {
			timedOut = true
			m.Publish(taskID, models.AgentEvent{Event: models.AgentEventTimeout})
		}
		if !stopped && m.Stopped(ctx, taskID) {
			stopped = true
			m.Publish(taskID, models.AgentEvent{Event: models.AgentEventStop})
		}
	}
}

// RequestStop flags the task for cancellation when the caller owns it.
// A mismatched or unknown owner is silently ignored.
func (m *Manager) RequestStop(ctx context.Context, taskID, invokeFrom, principalID string) error {
	value, ok, err := m.cache.Get(ctx, BelongKey(taskID))
	if err != nil {
		return fmt.Errorf("load task owner: %w", err)
	}
	if !ok || value != owner(invokeFrom, principalID) {
		m.logger.DebugContext(ctx, "ignoring stop request from non-owner", "task_id", taskID)
		return nil
	}
	if err := m.cache.Set(ctx, StopKey(taskID), "1", m.config.StopTTL); err != nil {
		return fmt.Errorf("flag task stopped: %w", err)
	}
	return nil
}

// Stopped reports whether a stop was requested for the task.
func (m *Manager) Stopped(ctx context.Context, taskID string) bool {
	ok, err := m.cache.Exists(ctx, StopKey(taskID))
	if err != nil {
		m.logger.WarnContext(ctx, "failed to check stop flag", "task_id", taskID, "error", err)
		return false
	}
	return ok
}

// taskQueue is an unbounded FIFO with a wake-up signal for the listener.
type taskQueue struct {
	mu      sync.Mutex
	events  []models.AgentEvent
	closing bool
	closed  bool
	signal  chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

// push appends event and reports whether it was accepted.
func (q *taskQueue) push(event models.AgentEvent) bool {
	q.mu.Lock()
	if q.closing || q.closed {
		q.mu.Unlock()
		return false
	}
	q.events = append(q.events, event)
	if event.Event.IsTerminal() {
		q.closing = true
	}
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// pop returns the oldest event. closed is true once the queue is closed and
// drained.
func (q *taskQueue) pop() (event models.AgentEvent, ok, closed bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) > 0 {
		event = q.events[0]
		q.events[0] = models.AgentEvent{}
		q.events = q.events[1:]
		return event, true, false
	}
	return event, false, q.closed
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.events = nil
	q.mu.Unlock()
}
