package server

import (
	"net/http"
	"strings"

	"github.com/haasonsaas/llmops/internal/rag/retrieval"
	"github.com/haasonsaas/llmops/pkg/models"
)

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if h.config.Files == nil {
		h.jsonError(w, "file storage is not configured", http.StatusNotImplemented)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		h.jsonError(w, "multipart field \"file\" is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	upload, err := h.config.Files.Upload(r.Context(), h.principal(r).AccountID, header.Filename, file)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusCreated, upload)
}

type createDatasetRequest struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (h *Handler) handleCreateDataset(w http.ResponseWriter, r *http.Request) {
	var req createDatasetRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		h.jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	ds, err := h.config.Datasets.CreateDataset(r.Context(), h.principal(r).AccountID, req.Name, req.Description)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusCreated, ds)
}

func (h *Handler) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	list, err := h.config.Datasets.ListDatasets(r.Context(), h.principal(r).AccountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"data": list})
}

func (h *Handler) handleDeleteDataset(w http.ResponseWriter, r *http.Request) {
	if err := h.config.Datasets.DeleteDataset(r.Context(), h.principal(r).AccountID, r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type hitTestingRequest struct {
	Query          string  `json:"query"`
	Strategy       string  `json:"retrieval_strategy,omitempty"`
	K              int     `json:"k,omitempty"`
	ScoreThreshold float64 `json:"score,omitempty"`
}

func (h *Handler) handleHitTesting(w http.ResponseWriter, r *http.Request) {
	var req hitTestingRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	var strategy retrieval.Strategy
	if req.Strategy != "" {
		parsed, err := retrieval.ParseStrategy(req.Strategy)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		strategy = parsed
	}
	if req.K < 0 || req.K > 10 {
		h.jsonError(w, "k must be between 1 and 10", http.StatusBadRequest)
		return
	}

	caller := h.principal(r)
	if _, err := h.config.Datasets.GetDataset(r.Context(), caller.AccountID, r.PathValue("id")); err != nil {
		h.fail(w, r, err)
		return
	}
	results, err := h.config.Retrieval.HitTest(r.Context(), r.PathValue("id"), req.Query, retrieval.HitTestOptions{
		AccountID:      caller.AccountID,
		Strategy:       strategy,
		K:              req.K,
		ScoreThreshold: req.ScoreThreshold,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if results == nil {
		results = []retrieval.Result{}
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"query": req.Query, "records": results})
}

type createDocumentsRequest struct {
	UploadFileIDs []string            `json:"upload_file_ids"`
	ProcessRule   *models.ProcessRule `json:"process_rule,omitempty"`
}

func (h *Handler) handleCreateDocuments(w http.ResponseWriter, r *http.Request) {
	var req createDocumentsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	var rule models.ProcessRule
	if req.ProcessRule != nil {
		rule = *req.ProcessRule
	}
	docs, batch, err := h.config.Documents.CreateDocuments(r.Context(), h.principal(r).AccountID, r.PathValue("id"), req.UploadFileIDs, rule)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusCreated, map[string]any{"documents": docs, "batch": batch})
}

func (h *Handler) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.config.Documents.ListDocuments(r.Context(), h.principal(r).AccountID, r.PathValue("id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"data": docs})
}

func (h *Handler) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	progress, err := h.config.Documents.BatchStatus(r.Context(), h.principal(r).AccountID, r.PathValue("id"), r.PathValue("batch"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, map[string]any{"data": progress})
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (h *Handler) handleDocumentEnabled(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if err := decodeJSON(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.Enabled == nil {
		h.fail(w, r, &requestError{msg: "enabled is required"})
		return
	}
	doc, err := h.config.Documents.UpdateDocumentEnabled(r.Context(), h.principal(r).AccountID, r.PathValue("id"), r.PathValue("doc"), *req.Enabled)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, doc)
}

func (h *Handler) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.config.Documents.DeleteDocument(r.Context(), h.principal(r).AccountID, r.PathValue("id"), r.PathValue("doc"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.jsonResponse(w, http.StatusOK, doc)
}
