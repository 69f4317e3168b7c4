// Package engine runs the memory enrichment pipeline: the classification
// worker and embedding indexer behind a leased job queue, semantic search,
// the smart search router, and the handlers for scheduled checks.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/scrypster/memoir/internal/llm"
	"github.com/scrypster/memoir/internal/scheduler"
	"github.com/scrypster/memoir/pkg/types"
)

// JobHandler processes one leased job. The returned error decides the job's
// next state: nil acks, a permanent error fails the job, anything else is
// nacked with backoff.
type JobHandler interface {
	Handle(ctx context.Context, job *types.Job) error
}

// JobHandlerFunc adapts a function to JobHandler.
type JobHandlerFunc func(ctx context.Context, job *types.Job) error

// Handle calls f(ctx, job).
func (f JobHandlerFunc) Handle(ctx context.Context, job *types.Job) error {
	return f(ctx, job)
}

// SmartOptions tunes a smart search.
type SmartOptions struct {
	// TopK bounds the semantic hits (default: 10).
	TopK int

	// Limit bounds the hits per external provider (default: 5).
	Limit int

	// Filter applies to the semantic part only.
	Filter types.SearchFilter

	// ForceIntent skips intent detection when set to a known intent.
	ForceIntent types.Intent
}

// Config holds configuration for the engine.
type Config struct {
	// NumWorkers is the number of queue executors (default: 4).
	NumWorkers int

	// PollInterval is how long an idle executor waits before leasing again (default: 1s).
	PollInterval time.Duration

	// LeaseDuration is the visibility timeout of a leased job (default: 2m).
	// It must exceed ClassifyTimeout and EmbedTimeout.
	LeaseDuration time.Duration

	// SweepInterval is the period of the expired-lease sweep (default: 30s).
	SweepInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for in-flight handlers on shutdown (default: 30s).
	ShutdownTimeout time.Duration

	// ClassifyTimeout bounds one classifier call (default: 30s).
	ClassifyTimeout time.Duration

	// EmbedTimeout bounds one embedder call (default: 30s).
	EmbedTimeout time.Duration

	// ProviderTimeout bounds each external provider during a smart search (default: 3s).
	ProviderTimeout time.Duration

	// ConfidenceThreshold is the minimum accepted classification confidence (default: 0.5).
	ConfidenceThreshold float64

	// Taxonomy is the set of accepted categories.
	Taxonomy []string

	// IntentProviders maps each intent to the provider names queried for it.
	IntentProviders map[types.Intent][]string

	// FallbackProviders are queried when every mapped provider returned nothing.
	FallbackProviders []string

	// QueryCacheSize is the number of query embeddings kept in the LRU (default: 512).
	QueryCacheSize int

	// ReindexBatchSize bounds one ReindexStale pass (default: 1000).
	ReindexBatchSize int

	// RecoverPendingOnStart re-submits Pending records at Start. Only
	// needed for the non-durable memory queue.
	RecoverPendingOnStart bool

	// Schedules are the recurring definitions registered at Start.
	Schedules []types.ScheduleDefinition

	// SchedulerInterval is the tick period of the scheduler loop run by
	// Start (default: 1m). Zero leaves ticking to the caller.
	SchedulerInterval time.Duration
}

// DefaultIntentProviders is the intent to provider mapping used when config names none.
func DefaultIntentProviders() map[types.Intent][]string {
	return map[types.Intent][]string{
		types.IntentMovie:  {"movies"},
		types.IntentBook:   {"books"},
		types.IntentPlace:  {"places"},
		types.IntentRecipe: {"recipes"},
	}
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers:          4,
		PollInterval:        time.Second,
		LeaseDuration:       2 * time.Minute,
		SweepInterval:       30 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		ClassifyTimeout:     30 * time.Second,
		EmbedTimeout:        30 * time.Second,
		ProviderTimeout:     3 * time.Second,
		ConfidenceThreshold: 0.5,
		Taxonomy:            append([]string(nil), llm.DefaultTaxonomy...),
		IntentProviders:     DefaultIntentProviders(),
		FallbackProviders:   []string{"web"},
		QueryCacheSize:      512,
		ReindexBatchSize:    1000,
		Schedules:           scheduler.DefaultDefinitions(),
		SchedulerInterval:   scheduler.DefaultTickInterval,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("NumWorkers must be >= 1, got %d", c.NumWorkers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("PollInterval must be > 0, got %v", c.PollInterval)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SweepInterval must be > 0, got %v", c.SweepInterval)
	}
	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}
	if c.ClassifyTimeout <= 0 || c.EmbedTimeout <= 0 || c.ProviderTimeout <= 0 {
		return fmt.Errorf("adapter timeouts must be > 0")
	}
	if c.LeaseDuration <= c.ClassifyTimeout || c.LeaseDuration <= c.EmbedTimeout {
		return fmt.Errorf("LeaseDuration (%v) must exceed ClassifyTimeout (%v) and EmbedTimeout (%v)",
			c.LeaseDuration, c.ClassifyTimeout, c.EmbedTimeout)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("ConfidenceThreshold must be within [0,1], got %v", c.ConfidenceThreshold)
	}
	if len(c.Taxonomy) == 0 {
		return fmt.Errorf("Taxonomy must not be empty")
	}
	if c.QueryCacheSize < 1 {
		return fmt.Errorf("QueryCacheSize must be >= 1, got %d", c.QueryCacheSize)
	}
	if c.ReindexBatchSize < 1 {
		return fmt.Errorf("ReindexBatchSize must be >= 1, got %d", c.ReindexBatchSize)
	}
	if c.SchedulerInterval < 0 {
		return fmt.Errorf("SchedulerInterval must be >= 0, got %v", c.SchedulerInterval)
	}
	for _, def := range c.Schedules {
		if _, err := scheduler.ParseRule(def.Rule); err != nil {
			return fmt.Errorf("schedule %q: %w", def.Name, err)
		}
	}
	return nil
}
