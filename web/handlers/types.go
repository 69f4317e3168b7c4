package handlers

import (
	"time"

	"github.com/scrypster/memoir/internal/scheduler"
	"github.com/scrypster/memoir/pkg/types"
)

// ErrorResponse is the standard error response format for the API.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Code    string                 `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// CreateMemoryRequest is the body of POST /api/memories.
type CreateMemoryRequest struct {
	OwnerID    string           `json:"owner_id"`
	Title      string           `json:"title,omitempty"`
	Content    string           `json:"content"`
	SourceType types.SourceType `json:"source_type,omitempty"`
}

// CreateMemoryResponse is returned once the record is stored and queued.
// Queued is false when the record was stored but its jobs could not be
// enqueued; POST /api/memories/{id}/enrich retries that.
type CreateMemoryResponse struct {
	Memory *types.MemoryRecord `json:"memory"`
	Queued bool                `json:"queued"`
}

// ListMemoriesResponse is the response format for GET /api/memories.
type ListMemoriesResponse struct {
	Memories []types.MemoryRecord `json:"memories"`
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
	HasMore  bool                 `json:"has_more"`
}

// SemanticSearchRequest is the body of POST /api/search/semantic.
type SemanticSearchRequest struct {
	Query  string             `json:"query"`
	TopK   int                `json:"top_k,omitempty"`
	Filter types.SearchFilter `json:"filter"`
}

// SemanticSearchResponse lists hits in rank order.
type SemanticSearchResponse struct {
	Query string              `json:"query"`
	Hits  []types.SemanticHit `json:"hits"`
}

// SmartSearchRequest is the body of POST /api/search/smart.
type SmartSearchRequest struct {
	Query  string             `json:"query"`
	TopK   int                `json:"top_k,omitempty"`
	Limit  int                `json:"limit,omitempty"`
	Filter types.SearchFilter `json:"filter"`
	Intent string             `json:"intent,omitempty"` // Forces the intent when set
}

// TickRequest is the optional body of POST /api/scheduler/tick.
type TickRequest struct {
	Now *time.Time `json:"now,omitempty"`
}

// TickResponse echoes the scheduler report.
type TickResponse = scheduler.TickReport

// DeadLettersResponse is the response format for GET /api/jobs/dead.
type DeadLettersResponse struct {
	Jobs  []*types.Job            `json:"jobs"`
	Stats map[types.JobStatus]int `json:"stats"`
}

// ReindexResponse reports how many records were queued for re-embedding.
type ReindexResponse struct {
	Queued int `json:"queued"`
}
