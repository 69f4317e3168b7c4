// Package handlers provides the HTTP handlers and middleware of the Memoir API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/engine"
	"github.com/scrypster/memoir/internal/scheduler"
	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Engine is the subset of *engine.Engine the API calls.
type Engine interface {
	CreateMemory(ctx context.Context, rec *types.MemoryRecord) (*types.MemoryRecord, error)
	SubmitForEnrichment(ctx context.Context, recordID string) error
	GetMemory(ctx context.Context, id string) (*types.MemoryRecord, error)
	ListMemories(ctx context.Context, opts storage.ListOptions) (*storage.PaginatedResult[types.MemoryRecord], error)
	SemanticQuery(ctx context.Context, text string, topK int, filter types.SearchFilter) ([]types.SemanticHit, error)
	SmartQuery(ctx context.Context, text string, opts engine.SmartOptions) (*types.SmartResult, error)
	SchedulerTick(ctx context.Context, now time.Time) (scheduler.TickReport, error)
	ReindexStale(ctx context.Context) (int, error)
	DeadLetters(ctx context.Context, limit int) ([]*types.Job, error)
	RequeueJob(ctx context.Context, jobID string) error
	QueueStats(ctx context.Context) (map[types.JobStatus]int, error)
}

// APIHandlers contains HTTP handlers for the REST API.
type APIHandlers struct {
	engine Engine
}

// NewAPIHandlers creates a new APIHandlers instance.
func NewAPIHandlers(eng Engine) *APIHandlers {
	return &APIHandlers{engine: eng}
}

// CreateMemory handles POST /api/memories. It answers 202 once the record is
// stored and its enrichment jobs are queued.
func (h *APIHandlers) CreateMemory(w http.ResponseWriter, r *http.Request) {
	var req CreateMemoryRequest
	if !decodeBody(w, r, &req, false) {
		return
	}

	rec, err := h.engine.CreateMemory(r.Context(), &types.MemoryRecord{
		OwnerID:    req.OwnerID,
		Title:      req.Title,
		Content:    req.Content,
		SourceType: req.SourceType,
	})
	if err != nil && rec == nil {
		respondEngineError(w, "failed to create memory", err)
		return
	}
	if err != nil {
		log.Printf("WARNING: memory %s stored without enrichment jobs: %v", rec.ID, err)
	}
	respondJSON(w, http.StatusAccepted, CreateMemoryResponse{Memory: rec, Queued: err == nil})
}

// ListMemories handles GET /api/memories with page, limit, owner_id and status.
func (h *APIHandlers) ListMemories(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListOptions{
		Page:    parseInt(q.Get("page"), 1),
		Limit:   parseInt(q.Get("limit"), 10),
		OwnerID: q.Get("owner_id"),
		Status:  types.MemoryStatus(q.Get("status")),
	}
	opts.Normalize()

	result, err := h.engine.ListMemories(r.Context(), opts)
	if err != nil {
		respondEngineError(w, "failed to list memories", err)
		return
	}
	items := result.Items
	if items == nil {
		items = []types.MemoryRecord{}
	}
	respondJSON(w, http.StatusOK, ListMemoriesResponse{
		Memories: items,
		Total:    result.Total,
		Page:     result.Page,
		PageSize: result.PageSize,
		HasMore:  result.HasMore,
	})
}

// GetMemory handles GET /api/memories/{id}.
func (h *APIHandlers) GetMemory(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.GetMemory(r.Context(), r.PathValue("id"))
	if err != nil {
		respondEngineError(w, "failed to get memory", err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// EnrichMemory handles POST /api/memories/{id}/enrich.
func (h *APIHandlers) EnrichMemory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.SubmitForEnrichment(r.Context(), id); err != nil {
		respondEngineError(w, "failed to submit memory", err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
}

// SemanticSearch handles POST /api/search/semantic.
func (h *APIHandlers) SemanticSearch(w http.ResponseWriter, r *http.Request) {
	var req SemanticSearchRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if req.TopK == 0 {
		req.TopK = 10
	}
	if req.TopK > 100 {
		req.TopK = 100
	}

	hits, err := h.engine.SemanticQuery(r.Context(), req.Query, req.TopK, req.Filter)
	if err != nil {
		respondEngineError(w, "semantic search failed", err)
		return
	}
	if hits == nil {
		hits = []types.SemanticHit{}
	}
	respondJSON(w, http.StatusOK, SemanticSearchResponse{Query: req.Query, Hits: hits})
}

// SmartSearch handles POST /api/search/smart. Provider failures are reported
// in partial_failures with a 200; only a failed semantic search is an error.
func (h *APIHandlers) SmartSearch(w http.ResponseWriter, r *http.Request) {
	var req SmartSearchRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(w, http.StatusBadRequest, "query is required", nil)
		return
	}

	opts := engine.SmartOptions{TopK: req.TopK, Limit: req.Limit, Filter: req.Filter}
	if req.Intent != "" {
		intent := types.ParseIntent(req.Intent)
		if intent == types.IntentUnknown {
			respondError(w, http.StatusBadRequest, "unknown intent "+strconv.Quote(req.Intent), nil)
			return
		}
		opts.ForceIntent = intent
	}

	res, err := h.engine.SmartQuery(r.Context(), req.Query, opts)
	if err != nil {
		respondEngineError(w, "smart search failed", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

// SchedulerTick handles POST /api/scheduler/tick. The body is optional; its
// "now" replaces the wall clock, which lets operators replay a missed window.
func (h *APIHandlers) SchedulerTick(w http.ResponseWriter, r *http.Request) {
	var req TickRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	now := time.Now()
	if req.Now != nil {
		now = *req.Now
	}

	report, err := h.engine.SchedulerTick(r.Context(), now)
	if err != nil {
		respondEngineError(w, "scheduler tick failed", err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// DeadLetters handles GET /api/jobs/dead?limit=N.
func (h *APIHandlers) DeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := parseInt(r.URL.Query().Get("limit"), 50)
	if limit < 1 || limit > 1000 {
		limit = 50
	}

	jobs, err := h.engine.DeadLetters(r.Context(), limit)
	if err != nil {
		respondEngineError(w, "failed to list dead letters", err)
		return
	}
	stats, err := h.engine.QueueStats(r.Context())
	if err != nil {
		respondEngineError(w, "failed to read queue stats", err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	respondJSON(w, http.StatusOK, DeadLettersResponse{Jobs: jobs, Stats: stats})
}

// RequeueJob handles POST /api/jobs/{id}/requeue.
func (h *APIHandlers) RequeueJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.RequeueJob(r.Context(), id); err != nil {
		respondEngineError(w, "failed to requeue job", err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(types.JobQueued)})
}

// Reindex handles POST /api/reindex.
func (h *APIHandlers) Reindex(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.ReindexStale(r.Context())
	if err != nil {
		respondEngineError(w, "reindex failed", err)
		return
	}
	respondJSON(w, http.StatusAccepted, ReindexResponse{Queued: n})
}

// decodeBody reads a JSON body into dst. When optional is set an empty body
// is accepted. On failure it writes a 400 and returns false.
func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}, optional bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		respondError(w, http.StatusBadRequest, "invalid request body", err)
		return false
	}
	return true
}

// respondEngineError maps the error taxonomy onto status codes.
func respondEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, apperrors.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, message, err)
	case engine.IsNotFound(err):
		respondError(w, http.StatusNotFound, message, err)
	case errors.Is(err, apperrors.ErrConsistencyViolation):
		respondError(w, http.StatusConflict, message, err)
	case apperrors.IsTimeout(err):
		respondError(w, http.StatusGatewayTimeout, message, err)
	default:
		log.Printf("ERROR: %s: %v", message, err)
		respondError(w, http.StatusInternalServerError, message, err)
	}
}

// parseInt parses a query parameter, falling back to defaultValue.
func parseInt(s string, defaultValue int) int {
	if s == "" {
		return defaultValue
	}
	val, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return val
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Headers are already sent.
		log.Printf("ERROR: failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response with the given status code.
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errResp := ErrorResponse{
		Error: message,
		Code:  http.StatusText(statusCode),
	}
	if err != nil {
		errResp.Details = map[string]interface{}{
			"error": err.Error(),
		}
	}
	respondJSON(w, statusCode, errResp)
}
