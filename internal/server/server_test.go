package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/internal/agent/queue"
	"github.com/haasonsaas/llmops/internal/cache"
	"github.com/haasonsaas/llmops/internal/files"
	"github.com/haasonsaas/llmops/internal/memory"
	"github.com/haasonsaas/llmops/internal/memory/embeddings/hashing"
	"github.com/haasonsaas/llmops/internal/observability"
	"github.com/haasonsaas/llmops/internal/rag/indexing"
	"github.com/haasonsaas/llmops/internal/rag/keywords"
	"github.com/haasonsaas/llmops/internal/rag/keywordtable"
	"github.com/haasonsaas/llmops/internal/rag/parser"
	"github.com/haasonsaas/llmops/internal/rag/parser/text"
	"github.com/haasonsaas/llmops/internal/rag/retrieval"
	"github.com/haasonsaas/llmops/internal/rag/vectorstore"
	"github.com/haasonsaas/llmops/internal/ratelimit"
	"github.com/haasonsaas/llmops/internal/storage"
	"github.com/haasonsaas/llmops/internal/tasks"
	"github.com/haasonsaas/llmops/pkg/models"
)

type scriptedProvider struct {
	mu     sync.Mutex
	script []*agent.CompletionChunk
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) Complete(context.Context, *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch := make(chan *agent.CompletionChunk, len(p.script))
	for _, c := range p.script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

type fakeAgents struct {
	provider agent.LLMProvider
	queue    *queue.Manager
}

func (f *fakeAgents) NewAgent(appID, userID, invokeFrom string) (*agent.FunctionCallAgent, error) {
	if appID != "support" {
		return nil, storage.ErrNotFound
	}
	cfg := agent.AgentConfig{UserID: userID, InvokeFrom: invokeFrom}
	return agent.NewFunctionCallAgent(cfg, f.provider, agent.NewToolRegistry(), f.queue)
}

type fixture struct {
	handler       *Handler
	conversations *memory.Conversations
	stores        storage.StoreSet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := storage.NewMemoryStoreSet()
	memCache := cache.NewMemoryCache(cache.MemoryCacheOptions{})
	locker := cache.NewLocker(memCache, cache.LockerOptions{Wait: 50 * time.Millisecond, PollInterval: 5 * time.Millisecond})
	manager := queue.NewManager(memCache, queue.Config{
		PollInterval: 5 * time.Millisecond,
		PingInterval: time.Second,
		Timeout:      5 * time.Second,
	}, nil)

	local, err := files.NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore: %v", err)
	}
	fileService := files.NewService(local, stores.UploadFiles)
	parsers := parser.NewRegistry()
	text.Register(parsers)
	embedder := hashing.New(hashing.Config{Dimension: 32})
	vectors := vectorstore.NewMemoryStore(embedder)
	extractor := keywords.New()

	pipeline := indexing.NewPipeline(stores, indexing.Dependencies{
		Files:         fileService,
		Parsers:       parsers,
		Embedder:      embedder,
		Extractor:     extractor,
		KeywordTables: keywordtable.New(stores.KeywordTables, stores.Segments, locker, nil),
		Vectors:       vectors,
		Locker:        locker,
	}, &indexing.Config{})
	inline := &tasks.Inline{MaxAttempts: 1}

	conversations := memory.NewConversations(nil)
	registry := prometheus.NewRegistry()
	h, err := NewHandler(&Config{
		Agents: &fakeAgents{
			provider: &scriptedProvider{script: []*agent.CompletionChunk{{Text: "Hel"}, {Text: "lo"}, {Done: true}}},
			queue:    manager,
		},
		Queue:         manager,
		Conversations: conversations,
		Files:         fileService,
		Datasets:      indexing.NewDatasetService(stores, pipeline, inline),
		Documents:     indexing.NewDocumentService(stores, pipeline, locker, inline),
		Retrieval:     retrieval.NewService(stores, vectors, extractor, retrieval.DefaultConfig()),
		Gatherer:      registry,
		Metrics:       observability.NewMetrics(registry),
	})
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	return &fixture{handler: h, conversations: conversations, stores: stores}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Account-ID", "acct-1")
	req.Header.Set("X-User-ID", "user-1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestChatStreamsEvents(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/apps/support/chat", `{"query":"hi","conversation_id":"conv-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}
	if rec.Header().Get("X-Task-ID") == "" {
		t.Fatalf("missing X-Task-ID")
	}

	var kinds []string
	var answer strings.Builder
	for _, frame := range strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n") {
		lines := strings.SplitN(frame, "\n", 2)
		if len(lines) != 2 || !strings.HasPrefix(lines[0], "event: ") || !strings.HasPrefix(lines[1], "data: ") {
			t.Fatalf("malformed frame %q", frame)
		}
		var ev models.AgentEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev); err != nil {
			t.Fatalf("frame data: %v", err)
		}
		if ev.Event == models.AgentEventMessage {
			answer.WriteString(ev.Answer)
		}
		kinds = append(kinds, strings.TrimPrefix(lines[0], "event: "))
	}
	if answer.String() != "Hello" {
		t.Errorf("answer = %q", answer.String())
	}
	if kinds[len(kinds)-1] != string(models.AgentEventEnd) {
		t.Errorf("last event = %s, want agent_end", kinds[len(kinds)-1])
	}
	if history := f.conversations.History("conv-1"); len(history) != 2 || history[1].Content != "Hello" {
		t.Errorf("history = %+v", history)
	}
}

func TestChatInvoke(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/apps/support/chat", `{"query":"hi","stream":false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	resp := decode[map[string]any](t, rec)
	if resp["answer"] != "Hello" || resp["status"] != string(models.AgentResultNormal) {
		t.Fatalf("response = %v", resp)
	}
	convID, _ := resp["conversation_id"].(string)
	if convID == "" || len(f.conversations.History(convID)) != 2 {
		t.Fatalf("conversation %q not recorded", convID)
	}
}

func TestChatErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"unknown app", "/v1/apps/missing/chat", `{"query":"hi"}`, http.StatusNotFound},
		{"empty query", "/v1/apps/support/chat", `{"query":"   "}`, http.StatusBadRequest},
		{"unknown field", "/v1/apps/support/chat", `{"query":"hi","temperature":1}`, http.StatusBadRequest},
		{"malformed body", "/v1/apps/support/chat", `{`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(t, http.MethodPost, tt.path, tt.body); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestStopUnknownTaskSucceeds(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/tasks/unknown/stop", "")
	if rec.Code != http.StatusOK || decode[map[string]string](t, rec)["result"] != "success" {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestKnowledgeBaseFlow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/datasets", `{"name":"billing"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create dataset: %d %s", rec.Code, rec.Body.String())
	}
	dataset := decode[models.Dataset](t, rec)
	if rec := f.do(t, http.MethodPost, "/v1/datasets", `{"name":"billing"}`); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate dataset status = %d", rec.Code)
	}

	upload := f.upload(t, "refunds.txt", "Our refund policy covers annual plans.\n\nRefunds are issued within thirty days.")

	base := "/v1/datasets/" + dataset.ID
	rec = f.do(t, http.MethodPost, base+"/documents", `{"upload_file_ids":["`+upload.ID+`"],"process_rule":{"mode":"automatic"}}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create documents: %d %s", rec.Code, rec.Body.String())
	}
	created := decode[struct {
		Documents []models.Document `json:"documents"`
		Batch     string            `json:"batch"`
	}](t, rec)
	if len(created.Documents) != 1 || created.Batch == "" {
		t.Fatalf("created = %+v", created)
	}
	docID := created.Documents[0].ID

	rec = f.do(t, http.MethodGet, base+"/documents/batch/"+created.Batch, "")
	progress := decode[struct {
		Data []indexing.DocumentProgress `json:"data"`
	}](t, rec)
	if len(progress.Data) != 1 || progress.Data[0].Status != models.DocumentCompleted {
		t.Fatalf("batch status = %+v", progress)
	}

	rec = f.do(t, http.MethodPost, base+"/hit-testing", `{"query":"refund policy","retrieval_strategy":"full_text","k":3}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("hit testing: %d %s", rec.Code, rec.Body.String())
	}
	hits := decode[struct {
		Records []retrieval.Result `json:"records"`
	}](t, rec)
	if len(hits.Records) == 0 || !strings.Contains(hits.Records[0].Content, "refund policy") {
		t.Fatalf("records = %+v", hits.Records)
	}

	rec = f.do(t, http.MethodPut, base+"/documents/"+docID+"/enabled", `{"enabled":false}`)
	if rec.Code != http.StatusOK || decode[models.Document](t, rec).Enabled {
		t.Fatalf("disable: %d %s", rec.Code, rec.Body.String())
	}
	rec = f.do(t, http.MethodPost, base+"/hit-testing", `{"query":"refund policy","retrieval_strategy":"full_text"}`)
	if got := decode[struct {
		Records []retrieval.Result `json:"records"`
	}](t, rec); len(got.Records) != 0 {
		t.Fatalf("disabled document still retrieved: %+v", got.Records)
	}

	if rec := f.do(t, http.MethodDelete, base+"/documents/"+docID, ""); rec.Code != http.StatusOK {
		t.Fatalf("delete document: %d %s", rec.Code, rec.Body.String())
	}
	if rec := f.do(t, http.MethodDelete, base, ""); rec.Code != http.StatusNoContent {
		t.Fatalf("delete dataset: %d %s", rec.Code, rec.Body.String())
	}
}

func TestDatasetValidation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"missing name", http.MethodPost, "/v1/datasets", `{"name":""}`, http.StatusBadRequest},
		{"unknown dataset", http.MethodPost, "/v1/datasets/nope/hit-testing", `{"query":"x"}`, http.StatusNotFound},
		{"bad strategy", http.MethodPost, "/v1/datasets/nope/hit-testing", `{"query":"x","retrieval_strategy":"fuzzy"}`, http.StatusBadRequest},
		{"k out of range", http.MethodPost, "/v1/datasets/nope/hit-testing", `{"query":"x","k":11}`, http.StatusBadRequest},
		{"no files", http.MethodPost, "/v1/datasets/nope/documents", `{"upload_file_ids":[]}`, http.StatusBadRequest},
		{"enabled required", http.MethodPut, "/v1/datasets/nope/documents/doc/enabled", `{}`, http.StatusBadRequest},
		{"wrong method", http.MethodPatch, "/v1/datasets", `{}`, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := f.do(t, tt.method, tt.path, tt.body); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func TestRateLimitPerAccount(t *testing.T) {
	f := newFixture(t)
	f.handler.config.RateLimiter = ratelimit.NewLimiter(ratelimit.Config{RequestsPerSecond: 0.01, BurstSize: 1, Enabled: true})

	if rec := f.do(t, http.MethodPost, "/v1/datasets/nope/hit-testing", `{"query":"x"}`); rec.Code != http.StatusNotFound {
		t.Fatalf("first request = %d, want 404", rec.Code)
	}
	rec := f.do(t, http.MethodPost, "/v1/datasets/nope/hit-testing", `{"query":"x"}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("429 without Retry-After")
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/datasets/nope/hit-testing", strings.NewReader(`{"query":"x"}`))
	req.Header.Set("X-Account-ID", "acct-2")
	other := httptest.NewRecorder()
	f.handler.ServeHTTP(other, req)
	if other.Code != http.StatusNotFound {
		t.Fatalf("other account = %d, want its own budget", other.Code)
	}

	if rec := f.do(t, http.MethodGet, "/v1/datasets", ""); rec.Code != http.StatusOK {
		t.Fatalf("unlimited route = %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	if rec := f.do(t, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz = %d", rec.Code)
	}
	rec := f.do(t, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "llmops_http_request_duration_seconds") {
		t.Fatalf("metrics missing request counter: %s", rec.Body.String())
	}
}

func (f *fixture) upload(t *testing.T, name, content string) models.UploadFile {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = part.Write([]byte(content))
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/v1/files", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Account-ID", "acct-1")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	return decode[models.UploadFile](t, rec)
}
