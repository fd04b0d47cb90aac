package ollama

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	p, err := New(Config{})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	if p.baseURL != "http://localhost:11434" || p.model != "nomic-embed-text" {
		t.Errorf("defaults = %q/%q", p.baseURL, p.model)
	}

	p, _ = New(Config{BaseURL: "http://custom:8080/", Model: "mxbai-embed-large"})
	if p.baseURL != "http://custom:8080" {
		t.Errorf("baseURL = %q", p.baseURL)
	}
	if p.Dimension() != 1024 {
		t.Errorf("Dimension() = %d, want 1024", p.Dimension())
	}
}

func TestProvider_EmbedBatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			t.Errorf("path = %q, want /api/embed", r.URL.Path)
		}
		var req embedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		resp := embedResponse{}
		for i := range req.Input {
			resp.Embeddings = append(resp.Embeddings, []float32{float32(i), 1})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	p, _ := New(Config{BaseURL: server.URL})
	vecs, err := p.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if len(vecs) != 3 || vecs[2][0] != 2 {
		t.Fatalf("vecs = %v", vecs)
	}
}

func TestProvider_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer server.Close()

	p, _ := New(Config{BaseURL: server.URL})
	_, err := p.Embed(context.Background(), "x")
	if err == nil || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("Embed error = %v", err)
	}
}
