// Package server exposes the agent runtime and the knowledge base over HTTP.
//
// Chat turns stream as server-sent events, one event per agent event:
//
//	event: agent_message
//	data: {"id":"...","task_id":"...","answer":"Hel"}
//
// Callers identify themselves with the X-Account-ID and X-User-ID headers.
// Authentication is expected to happen in front of this handler.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/internal/agent/queue"
	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/internal/files"
	"github.com/haasonsaas/llmops/internal/memory"
	"github.com/haasonsaas/llmops/internal/observability"
	"github.com/haasonsaas/llmops/internal/rag/indexing"
	"github.com/haasonsaas/llmops/internal/rag/retrieval"
	"github.com/haasonsaas/llmops/internal/ratelimit"
	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/pkg/models"
)

// InvokeFrom tags tasks started through this API.
const InvokeFrom = "service_api"

// maxUploadBytes bounds one multipart upload.
const maxUploadBytes = 15 << 20

// AgentFactory builds the agent that serves one chat request for an app.
// An unknown app is reported as storage.ErrNotFound.
type AgentFactory interface {
	NewAgent(appID, userID, invokeFrom string) (*agent.FunctionCallAgent, error)
}

// Config wires the handler to the runtime components.
type Config struct {
	Agents        AgentFactory
	Queue         *queue.Manager
	Conversations *memory.Conversations
	Files         *files.Service
	Datasets      *indexing.DatasetService
	Documents     *indexing.DocumentService
	Retrieval     *retrieval.Service

	// RateLimiter limits chat and hit-testing per account. Nil disables it.
	RateLimiter *ratelimit.Limiter

	// Gatherer serves /metrics. Nil serves the default registry.
	Gatherer prometheus.Gatherer
	Metrics  *observability.Metrics

	DefaultAccountID string
	DefaultUserID    string
	Logger           *slog.Logger
}

// Handler routes API requests.
type Handler struct {
	config *Config
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(cfg *Config) (*Handler, error) {
	if cfg == nil {
		return nil, errors.New("server config is required")
	}
	if cfg.Agents == nil || cfg.Queue == nil {
		return nil, errors.New("agent factory and queue manager are required")
	}
	if cfg.Datasets == nil || cfg.Documents == nil || cfg.Retrieval == nil {
		return nil, errors.New("dataset, document and retrieval services are required")
	}
	if cfg.Conversations == nil {
		cfg.Conversations = memory.NewConversations(nil)
	}
	if cfg.DefaultAccountID == "" {
		cfg.DefaultAccountID = "default"
	}
	if cfg.DefaultUserID == "" {
		cfg.DefaultUserID = "anonymous"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "http")
	}

	h := &Handler{config: cfg, mux: http.NewServeMux(), logger: logger}
	h.setupRoutes()
	return h, nil
}

func (h *Handler) setupRoutes() {
	gatherer := h.config.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	h.mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	h.mux.HandleFunc("GET /healthz", h.handleHealthz)

	h.mux.HandleFunc("POST /v1/apps/{app}/chat", h.limited(h.handleChat))
	h.mux.HandleFunc("POST /v1/tasks/{task}/stop", h.handleStop)

	h.mux.HandleFunc("POST /v1/files", h.handleUpload)

	h.mux.HandleFunc("POST /v1/datasets", h.handleCreateDataset)
	h.mux.HandleFunc("GET /v1/datasets", h.handleListDatasets)
	h.mux.HandleFunc("DELETE /v1/datasets/{id}", h.handleDeleteDataset)
	h.mux.HandleFunc("POST /v1/datasets/{id}/hit-testing", h.limited(h.handleHitTesting))
	h.mux.HandleFunc("POST /v1/datasets/{id}/documents", h.handleCreateDocuments)
	h.mux.HandleFunc("GET /v1/datasets/{id}/documents", h.handleListDocuments)
	h.mux.HandleFunc("GET /v1/datasets/{id}/documents/batch/{batch}", h.handleBatchStatus)
	h.mux.HandleFunc("PUT /v1/datasets/{id}/documents/{doc}/enabled", h.handleDocumentEnabled)
	h.mux.HandleFunc("DELETE /v1/datasets/{id}/documents/{doc}", h.handleDeleteDocument)
}

// ServeHTTP implements http.Handler with request logging and metrics.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

	h.mux.ServeHTTP(wrapped, r)

	route := r.Pattern
	if route == "" {
		route = "unmatched"
	}
	h.config.Metrics.RecordHTTPRequest(r.Method, route, strconv.Itoa(wrapped.status), time.Since(start).Seconds())
	h.logger.Debug("http request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", wrapped.status,
		"duration", time.Since(start),
	)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`)) //nolint:errcheck
}

// limited rejects requests from accounts over their rate with 429.
func (h *Handler) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account := h.principal(r).AccountID
		if ok, wait := h.config.RateLimiter.Allow(account); !ok {
			seconds := int(math.Ceil(wait.Seconds()))
			w.Header().Set("Retry-After", strconv.Itoa(max(1, seconds)))
			h.logger.Debug("rate limited", "account_id", account, "path", r.URL.Path, "retry_after", wait)
			h.jsonError(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

// principal is the caller on whose behalf a request runs.
type principal struct {
	AccountID string
	UserID    string
}

func (h *Handler) principal(r *http.Request) principal {
	p := principal{
		AccountID: r.Header.Get("X-Account-ID"),
		UserID:    r.Header.Get("X-User-ID"),
	}
	if p.AccountID == "" {
		p.AccountID = h.config.DefaultAccountID
	}
	if p.UserID == "" {
		p.UserID = h.config.DefaultUserID
	}
	return p
}

// decodeJSON reads a JSON body into v, rejecting unknown fields.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return &requestError{msg: "invalid request body: " + err.Error()}
	}
	return nil
}

func (h *Handler) jsonResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("json encode error", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	h.jsonResponse(w, code, map[string]string{"error": message})
}

// fail maps a service error onto an HTTP status.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
		h.jsonError(w, "internal error", code)
		return
	}
	h.jsonError(w, err.Error(), code)
}

// requestError is a malformed request.
type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func statusFor(err error) int {
	var reqErr *requestError
	switch {
	case errors.As(err, &reqErr):
		return http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, files.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, indexing.ErrDatasetExists):
		return http.StatusConflict
	case errors.Is(err, cache.ErrLockBusy), errors.Is(err, indexing.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, indexing.ErrInvalidFiles),
		errors.Is(err, indexing.ErrInvalidSegment),
		errors.Is(err, models.ErrInvalidProcessRule),
		errors.Is(err, retrieval.ErrEmptyQuery),
		errors.Is(err, retrieval.ErrNoDatasets),
		errors.Is(err, retrieval.ErrInvalidK),
		errors.Is(err, retrieval.ErrUnknownStrategy),
		errors.Is(err, agent.ErrInvalidHistory):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// responseWriter captures the status code. It forwards Flush so streamed
// responses keep working.
type responseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}

func (w *responseWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *responseWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
