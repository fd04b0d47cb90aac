// Package rag exposes dataset retrieval to agents as a tool.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/haasonsaas/llmops/internal/agent"
	"github.com/haasonsaas/llmops/internal/rag/retrieval"
	"github.com/haasonsaas/llmops/internal/tools"
	"github.com/haasonsaas/llmops/pkg/models"
)

// NoResults is the observation returned when nothing matched.
const NoResults = "No relevant content was found in the knowledge base."

// DatasetRetrievalConfig binds the tool to an app's datasets and retrieval
// settings.
type DatasetRetrievalConfig struct {
	AccountID      string
	AppID          string
	DatasetIDs     []string
	Strategy       retrieval.Strategy
	K              int
	ScoreThreshold float64
	// Source defaults to app.
	Source models.RetrievalSource
}

// DatasetRetrievalTool searches the bound datasets and returns the joined
// segment contents.
type DatasetRetrievalTool struct {
	retriever retrieval.Retriever
	config    DatasetRetrievalConfig
}

// NewDatasetRetrievalTool creates the tool.
func NewDatasetRetrievalTool(r retrieval.Retriever, cfg DatasetRetrievalConfig) *DatasetRetrievalTool {
	if cfg.Source == "" {
		cfg.Source = models.RetrievalSourceApp
	}
	return &DatasetRetrievalTool{retriever: r, config: cfg}
}

type retrievalInput struct {
	Query string `json:"query" jsonschema:"description=Search query used to look up the knowledge base,minLength=1"`
}

var retrievalSchema = tools.SchemaFor[retrievalInput]()

func (t *DatasetRetrievalTool) Name() string { return agent.DatasetRetrievalToolName }

func (t *DatasetRetrievalTool) Description() string {
	return "Searches the app's knowledge base. Use it when a question needs facts beyond what you already know."
}

func (t *DatasetRetrievalTool) Schema() json.RawMessage { return retrievalSchema }

// Execute runs one search. Retrieval failures are returned as errors so the
// agent reports them as failed observations.
func (t *DatasetRetrievalTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var input retrievalInput
	if err := json.Unmarshal(params, &input); err != nil {
		return nil, fmt.Errorf("%w: %v", agent.ErrInvalidArguments, err)
	}
	query := strings.TrimSpace(input.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", agent.ErrInvalidArguments)
	}
	if len(t.config.DatasetIDs) == 0 {
		return &agent.ToolResult{Content: NoResults}, nil
	}

	results, err := t.retriever.Search(ctx, retrieval.SearchRequest{
		AccountID:      t.config.AccountID,
		DatasetIDs:     t.config.DatasetIDs,
		Query:          query,
		Strategy:       t.config.Strategy,
		K:              t.config.K,
		ScoreThreshold: t.config.ScoreThreshold,
		Source:         t.config.Source,
		SourceAppID:    t.config.AppID,
	})
	if err != nil {
		return nil, fmt.Errorf("dataset retrieval: %w", err)
	}
	if len(results) == 0 {
		return &agent.ToolResult{Content: NoResults}, nil
	}

	contents := make([]string, 0, len(results))
	for _, r := range results {
		contents = append(contents, r.Content)
	}
	return &agent.ToolResult{Content: strings.Join(contents, "\n\n")}, nil
}
