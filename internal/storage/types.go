package storage

import (
	"fmt"
	"time"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/pkg/types"
)

var (
	// ErrNotFound indicates that the requested resource was not found.
	ErrNotFound = fmt.Errorf("resource %w", apperrors.ErrNotFound)

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = apperrors.ErrInvalidInput

	// ErrDimensionMismatch indicates a vector whose length differs from the index dimension.
	ErrDimensionMismatch = fmt.Errorf("embedding dimension mismatch: %w", apperrors.ErrInvalidInput)
)

// PaginatedResult represents a paginated result set with type safety using generics.
type PaginatedResult[T any] struct {
	// Items is the slice of results for the current page.
	Items []T

	// Total is the total number of items across all pages.
	Total int

	// Page is the current page number (1-indexed).
	Page int

	// PageSize is the number of items per page.
	PageSize int

	// HasMore indicates whether there are more pages available.
	HasMore bool
}

// ListOptions provides pagination and filtering options for list operations.
type ListOptions struct {
	// Page is the page number to retrieve (1-indexed, default: 1).
	Page int

	// Limit is the number of items per page (default: 10, max: 100).
	Limit int

	// OwnerID restricts results to one owner. Empty means all owners.
	OwnerID string

	// Status restricts results to one lifecycle status. Empty means any.
	Status types.MemoryStatus
}

// Normalize applies defaults and bounds to the options.
func (o *ListOptions) Normalize() {
	if o.Page < 1 {
		o.Page = 1
	}
	if o.Limit <= 0 {
		o.Limit = 10
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}

// Offset returns the row offset for the current page.
func (o ListOptions) Offset() int {
	return (o.Page - 1) * o.Limit
}

// TaskKind distinguishes rows scanned by scheduled checks.
type TaskKind string

// Task kind constants
const (
	TaskKindTask       TaskKind = "task"
	TaskKindPetCheckup TaskKind = "pet_checkup"
)

// TaskRecord is a user task (or pet checkup) as seen by scheduled checks.
type TaskRecord struct {
	ID                  string
	OwnerID             string
	Kind                TaskKind
	Title               string
	DueAt               time.Time
	ReminderHoursBefore int
	Completed           bool
}

// ReminderAt returns the instant the reminder for this task is due.
func (t TaskRecord) ReminderAt() time.Time {
	return t.DueAt.Add(-time.Duration(t.ReminderHoursBefore) * time.Hour)
}
