package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/pkg/models"
)

type chatRequest struct {
	Query          string `json:"query"`
	ConversationID string `json:"conversation_id,omitempty"`
	LongTermMemory string `json:"long_term_memory,omitempty"`

	// Stream selects SSE output. Defaults to true.
	Stream *bool `json:"stream,omitempty"`
}

type chatResponse struct {
	ConversationID string `json:"conversation_id"`
	*models.AgentResult
}

func (h *Handler) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		h.jsonError(w, "query is required", http.StatusBadRequest)
		return
	}
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}

	caller := h.principal(r)
	a, err := h.config.Agents.NewAgent(r.PathValue("app"), caller.UserID, InvokeFrom)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	input := agent.AgentInput{
		Query:          req.Query,
		History:        h.config.Conversations.History(req.ConversationID),
		LongTermMemory: req.LongTermMemory,
	}

	if req.Stream != nil && !*req.Stream {
		result, err := a.Invoke(r.Context(), input)
		if result == nil {
			h.fail(w, r, err)
			return
		}
		if result.Status == models.AgentResultNormal && err == nil {
			h.config.Conversations.Append(req.ConversationID, req.Query, result.Answer)
		}
		h.jsonResponse(w, http.StatusOK, chatResponse{ConversationID: req.ConversationID, AgentResult: result})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	taskID, events := a.Stream(r.Context(), input)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Task-ID", taskID)
	w.Header().Set("X-Conversation-ID", req.ConversationID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	var answer strings.Builder
	var terminal models.AgentEventKind
	for ev := range events {
		if ev.Event == models.AgentEventMessage {
			answer.WriteString(ev.Answer)
		}
		if ev.Event.IsTerminal() {
			terminal = ev.Event
		}
		if err := writeEvent(w, ev); err != nil {
			h.logger.WarnContext(r.Context(), "client went away", "task_id", taskID, "error", err)
			continue
		}
		flusher.Flush()
	}
	if terminal == models.AgentEventEnd {
		h.config.Conversations.Append(req.ConversationID, req.Query, answer.String())
	}
}

// writeEvent renders one agent event as an SSE frame.
func writeEvent(w http.ResponseWriter, ev models.AgentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Event, data)
	return err
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	caller := h.principal(r)
	if err := h.config.Queue.RequestStop(r.Context(), r.PathValue("task"), InvokeFrom, caller.UserID); err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]string{"result": "success"})
}
