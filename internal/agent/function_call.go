package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/llmops/internal/agent/queue"
	"github.com/haasonsaas/llmops/internal/observability"
	"github.com/haasonsaas/llmops/pkg/models"
)

// FunctionCallAgent answers a query by alternating model calls and tool
// calls until the model produces a plain message. Progress is published to
// the queue manager as agent events.
type FunctionCallAgent struct {
	config   AgentConfig
	provider LLMProvider
	tools    []Tool
	queue    *queue.Manager

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
}

// NewFunctionCallAgent binds the configured tools from registry. registry may
// be nil when the config names no tools.
func NewFunctionCallAgent(cfg AgentConfig, provider LLMProvider, registry *ToolRegistry, manager *queue.Manager) (*FunctionCallAgent, error) {
	if provider == nil {
		return nil, ErrNoProvider
	}
	if manager == nil {
		return nil, errors.New("queue manager is required")
	}
	var tools []Tool
	if len(cfg.Tools) > 0 {
		if registry == nil {
			return nil, fmt.Errorf("%w: no registry for %d tools", ErrToolNotFound, len(cfg.Tools))
		}
		bound, err := registry.Bind(cfg.Tools...)
		if err != nil {
			return nil, err
		}
		tools = bound
	}
	return &FunctionCallAgent{
		config:   cfg,
		provider: provider,
		tools:    tools,
		queue:    manager,
		logger:   slog.Default().With("component", "agent"),
	}, nil
}

// WithLogger sets the logger.
func (a *FunctionCallAgent) WithLogger(logger *slog.Logger) *FunctionCallAgent {
	if logger != nil {
		a.logger = logger
	}
	return a
}

// WithMetrics records model and tool calls.
func (a *FunctionCallAgent) WithMetrics(m *observability.Metrics) *FunctionCallAgent {
	a.metrics = m
	return a
}

// WithTracer traces turns, model calls and tool calls.
func (a *FunctionCallAgent) WithTracer(t *observability.Tracer) *FunctionCallAgent {
	a.tracer = t
	return a
}

// Stream starts a turn in the background and returns its task id with the
// event stream. The stream ends with agent_end, error, stop or timeout.
func (a *FunctionCallAgent) Stream(ctx context.Context, input AgentInput) (string, <-chan models.AgentEvent) {
	taskID, events, _ := a.start(ctx, input)
	return taskID, events
}

func (a *FunctionCallAgent) start(ctx context.Context, input AgentInput) (string, <-chan models.AgentEvent, <-chan error) {
	taskID := uuid.NewString()
	a.queue.Bind(taskID, a.config.InvokeFrom, a.config.UserID)
	events := a.queue.Listen(ctx, taskID)

	// The worker outlives a disconnected client; it ends on its own, on a
	// stop request, or when the queue timeout elapses.
	workCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.queue.Config().Timeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- a.run(workCtx, taskID, input)
	}()
	return taskID, events, done
}

// Invoke runs a turn to completion and aggregates its events.
func (a *FunctionCallAgent) Invoke(ctx context.Context, input AgentInput) (*models.AgentResult, error) {
	start := time.Now()
	taskID, events, done := a.start(ctx, input)

	result := &models.AgentResult{
		TaskID: taskID,
		Query:  input.Query,
		Status: models.AgentResultNormal,
	}
	index := make(map[string]int)
	var terminal models.AgentEventKind
	for ev := range events {
		if ev.Event == models.AgentEventPing {
			continue
		}
		if len(ev.Message) > 0 {
			result.Message = ev.Message
		}

		if i, seen := index[ev.ID]; !seen {
			index[ev.ID] = len(result.AgentThoughts)
			result.AgentThoughts = append(result.AgentThoughts, ev)
		} else if ev.Event == models.AgentEventMessage {
			folded := &result.AgentThoughts[i]
			folded.Thought += ev.Thought
			folded.Answer += ev.Answer
			folded.Latency = ev.Latency
			folded.Message = ev.Message
		} else {
			result.AgentThoughts[i] = ev
		}

		switch ev.Event {
		case models.AgentEventMessage:
			result.Answer += ev.Answer
		case models.AgentEventStop:
			result.Status = models.AgentResultStop
		case models.AgentEventTimeout:
			result.Status = models.AgentResultTimeout
		case models.AgentEventError:
			result.Status = models.AgentResultError
			result.Error = ev.Observation
		}
		if ev.Event.IsTerminal() {
			terminal = ev.Event
		}
	}
	result.Latency = time.Since(start).Seconds()

	switch terminal {
	case models.AgentEventEnd, models.AgentEventError:
		// The worker returns right after publishing these.
		return result, <-done
	case "":
		return result, ctx.Err()
	}
	return result, nil
}

// turn is the mutable state of one run.
type turn struct {
	taskID    string
	system    string
	messages  []models.Message
	iteration int
}

func (t *turn) snapshot() []models.Message {
	out := make([]models.Message, 0, len(t.messages)+1)
	out = append(out, models.Message{Role: models.RoleSystem, Content: t.system})
	return append(out, t.messages...)
}

func (a *FunctionCallAgent) run(ctx context.Context, taskID string, input AgentInput) (err error) {
	ctx = observability.WithTaskID(ctx, taskID)
	ctx, span := a.tracer.TraceAgentTurn(ctx, taskID, a.config.InvokeFrom)
	defer func() {
		a.tracer.RecordError(span, err)
		span.End()
	}()

	if a.config.inputBlocked(input.Query) {
		a.presetResponse(taskID, input.Query)
		return nil
	}

	t, err := a.recall(taskID, input)
	if err != nil {
		a.fail(ctx, taskID, nil, err)
		return &LoopError{Phase: PhaseMemoryRecall, Cause: err}
	}

	limit := a.config.maxIterations()
	for {
		if a.queue.Stopped(ctx, taskID) {
			a.logger.InfoContext(ctx, "agent stopped", "iteration", t.iteration)
			return nil
		}

		if t.iteration > limit {
			a.logger.WarnContext(ctx, "iteration limit reached", "limit", limit, "error", ErrMaxIterations)
			a.finish(taskID, t, MaxIterationResponse)
			return nil
		}

		text, calls, err := a.callModel(ctx, t)
		if err != nil {
			a.fail(ctx, taskID, t, err)
			return &LoopError{Phase: PhaseModelCall, Iteration: t.iteration, Cause: err}
		}
		t.iteration++

		if len(calls) == 0 {
			t.messages = append(t.messages, models.AIMessage(text))
			a.queue.Publish(taskID, models.AgentEvent{
				Event:   models.AgentEventEnd,
				Message: t.snapshot(),
			})
			return nil
		}
		t.messages = append(t.messages, models.Message{
			Role:      models.RoleAssistant,
			Content:   text,
			ToolCalls: calls,
		})

		if a.queue.Stopped(ctx, taskID) {
			a.logger.InfoContext(ctx, "agent stopped before tools", "iteration", t.iteration)
			return nil
		}
		results := a.dispatch(ctx, t, calls)
		t.messages = append(t.messages, models.Message{Role: models.RoleTool, ToolResults: results})
	}
}

// presetResponse answers a moderated query without calling the model.
func (a *FunctionCallAgent) presetResponse(taskID, query string) {
	response := a.config.Review.Inputs.PresetResponse
	a.queue.Publish(taskID, models.AgentEvent{
		Event:   models.AgentEventMessage,
		Thought: response,
		Answer:  response,
		Message: []models.Message{models.HumanMessage(query)},
	})
	a.queue.Publish(taskID, models.AgentEvent{Event: models.AgentEventEnd})
}

// recall assembles the system prompt, history and query.
func (a *FunctionCallAgent) recall(taskID string, input AgentInput) (*turn, error) {
	memory := ""
	if a.config.EnableLongTermMemory {
		memory = input.LongTermMemory
		a.queue.Publish(taskID, models.AgentEvent{
			Event:       models.AgentEventLongTermMemoryRecall,
			Observation: memory,
		})
	}
	if len(input.History)%2 != 0 {
		return nil, fmt.Errorf("%w: got %d messages", ErrInvalidHistory, len(input.History))
	}

	messages := make([]models.Message, 0, len(input.History)+1)
	messages = append(messages, input.History...)
	messages = append(messages, models.HumanMessage(input.Query))
	return &turn{
		taskID:   taskID,
		system:   a.config.systemPrompt(memory),
		messages: messages,
	}, nil
}

// callModel streams one model response. Text is published as message deltas
// until the first tool call appears; after that it only accompanies the
// tool calls in a single thought event.
func (a *FunctionCallAgent) callModel(ctx context.Context, t *turn) (string, []models.ToolCall, error) {
	start := time.Now()
	ctx, span := a.tracer.TraceLLMRequest(ctx, a.provider.Name(), a.config.Model)
	defer span.End()

	req := &CompletionRequest{
		Model:     a.config.Model,
		System:    t.system,
		Messages:  slices.Clone(t.messages),
		Tools:     a.tools,
		MaxTokens: a.config.MaxTokens,
	}
	stream, err := a.provider.Complete(ctx, req)
	if err != nil {
		a.recordLLM("error", start)
		a.tracer.RecordError(span, err)
		return "", nil, err
	}

	eventID := uuid.NewString()
	snapshot := t.snapshot()
	var (
		text  strings.Builder
		calls []models.ToolCall
	)
	for chunk := range stream {
		if chunk.Error != nil {
			err = chunk.Error
			continue
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.Text == "" {
			continue
		}
		text.WriteString(chunk.Text)
		if len(calls) > 0 {
			continue
		}
		delta := a.config.redact(chunk.Text)
		a.queue.Publish(t.taskID, models.AgentEvent{
			ID:      eventID,
			Event:   models.AgentEventMessage,
			Thought: delta,
			Answer:  delta,
			Message: snapshot,
			Latency: time.Since(start).Seconds(),
		})
	}
	if err != nil {
		a.recordLLM("error", start)
		a.tracer.RecordError(span, err)
		return "", nil, err
	}
	a.recordLLM("success", start)

	if len(calls) > 0 {
		serialized, _ := json.Marshal(calls)
		a.queue.Publish(t.taskID, models.AgentEvent{
			ID:      eventID,
			Event:   models.AgentEventThought,
			Thought: string(serialized),
			Message: snapshot,
			Latency: time.Since(start).Seconds(),
		})
	}
	return text.String(), calls, nil
}

func (a *FunctionCallAgent) recordLLM(status string, start time.Time) {
	a.metrics.RecordLLMRequest(a.provider.Name(), a.config.Model, status, time.Since(start).Seconds())
}

// dispatch runs each call in order. Failures become observations so the
// model can recover within its iteration budget.
func (a *FunctionCallAgent) dispatch(ctx context.Context, t *turn, calls []models.ToolCall) []models.ToolResult {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		start := time.Now()
		content, isError := a.execute(ctx, call)
		latency := time.Since(start).Seconds()

		status := "success"
		if isError {
			status = "error"
		}
		a.metrics.RecordToolExecution(call.Name, status, latency)

		kind := models.AgentEventAction
		if call.Name == DatasetRetrievalToolName {
			kind = models.AgentEventDatasetRetrieval
		}
		var toolInput map[string]any
		_ = json.Unmarshal(call.Input, &toolInput)
		a.queue.Publish(t.taskID, models.AgentEvent{
			Event:       kind,
			Observation: content,
			Tool:        call.Name,
			ToolInput:   toolInput,
			Message:     t.snapshot(),
			Latency:     latency,
		})
		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Content:    content,
			IsError:    isError,
		})
	}
	return results
}

func (a *FunctionCallAgent) execute(ctx context.Context, call models.ToolCall) (string, bool) {
	ctx, span := a.tracer.TraceToolExecution(ctx, call.Name)
	defer span.End()

	res, err := a.invokeTool(ctx, call)
	if err != nil {
		a.tracer.RecordError(span, err)
		a.logger.WarnContext(ctx, "tool call failed", "tool", call.Name, "error", err)
		cause := err
		if toolErr, ok := GetToolError(err); ok && toolErr.Cause != nil {
			cause = toolErr.Cause
		}
		return "tool execution failed: " + cause.Error(), true
	}
	return res.Content, res.IsError
}

func (a *FunctionCallAgent) invokeTool(ctx context.Context, call models.ToolCall) (*ToolResult, error) {
	var tool Tool
	for _, candidate := range a.tools {
		if candidate.Name() == call.Name {
			tool = candidate
			break
		}
	}
	if tool == nil {
		return nil, &ToolError{ToolName: call.Name, ToolCallID: call.ID, Cause: fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)}
	}
	if err := ValidateArguments(tool, call.Input); err != nil {
		return nil, &ToolError{ToolName: call.Name, ToolCallID: call.ID, Cause: err}
	}
	res, err := tool.Execute(ctx, call.Input)
	if err != nil {
		return nil, &ToolError{ToolName: call.Name, ToolCallID: call.ID, Cause: err}
	}
	if res == nil {
		res = &ToolResult{}
	}
	return res, nil
}

// finish publishes a final message and ends the turn.
func (a *FunctionCallAgent) finish(taskID string, t *turn, answer string) {
	id := uuid.NewString()
	a.queue.Publish(taskID, models.AgentEvent{
		ID:      id,
		Event:   models.AgentEventMessage,
		Thought: answer,
		Answer:  answer,
		Message: t.snapshot(),
	})
	a.queue.Publish(taskID, models.AgentEvent{Event: models.AgentEventEnd, Message: t.snapshot()})
}

// fail publishes the error that ends the turn.
func (a *FunctionCallAgent) fail(ctx context.Context, taskID string, t *turn, err error) {
	a.logger.ErrorContext(ctx, "agent turn failed", "error", err)
	ev := models.AgentEvent{Event: models.AgentEventError, Observation: err.Error()}
	if t != nil {
		ev.Message = t.snapshot()
	}
	a.queue.Publish(taskID, ev)
}
