package engine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/llm"
	"github.com/scrypster/memoir/internal/metrics"
	"github.com/scrypster/memoir/internal/storage"
	"github.com/scrypster/memoir/pkg/types"
)

// SemanticSearch answers nearest-neighbor queries over the vector index.
// Results follow a total order (similarity desc, update time desc, ID asc)
// so identical inputs always produce identical output.
type SemanticSearch struct {
	index    storage.VectorIndex
	embedder llm.Embedder
	timeout  time.Duration
	cache    *lru.Cache[string, []float32]
}

// NewSemanticSearch creates a search engine over index. Query embeddings are
// cached per model version and text.
func NewSemanticSearch(index storage.VectorIndex, embedder llm.Embedder, cfg Config) (*SemanticSearch, error) {
	cache, err := lru.New[string, []float32](cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	return &SemanticSearch{
		index:    index,
		embedder: embedder,
		timeout:  cfg.EmbedTimeout,
		cache:    cache,
	}, nil
}

// Search embeds text and returns up to topK records passing filter.
// An empty result is not an error.
func (s *SemanticSearch) Search(ctx context.Context, text string, topK int, filter types.SearchFilter) ([]types.SemanticHit, error) {
	start := time.Now()
	defer func() { metrics.SemanticSearchSeconds.Observe(time.Since(start).Seconds()) }()

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: query text is required", apperrors.ErrInvalidInput)
	}
	if topK < 1 {
		return nil, fmt.Errorf("%w: topK must be >= 1, got %d", apperrors.ErrInvalidInput, topK)
	}

	vector, err := s.embedQuery(ctx, text)
	if err != nil {
		return nil, err
	}

	hits, err := s.index.Nearest(ctx, vector, topK, filter)
	if err != nil {
		return nil, fmt.Errorf("nearest neighbor query failed: %w", err)
	}
	hits = storage.RankHits(hits, topK)
	if hits == nil {
		hits = []types.SemanticHit{}
	}

	current := s.embedder.ModelVersion()
	stale := 0
	for _, h := range hits {
		if h.ModelVersion != "" && h.ModelVersion != current {
			stale++
		}
	}
	if stale > 0 {
		log.Printf("WARNING: semantic search: %d of %d hits were embedded by another model (current %s); run reindex",
			stale, len(hits), current)
	}
	return hits, nil
}

func (s *SemanticSearch) embedQuery(ctx context.Context, text string) ([]float32, error) {
	key := s.embedder.ModelVersion() + "\x00" + text
	if v, ok := s.cache.Get(key); ok {
		return v, nil
	}

	ectx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vector, _, err := s.embedder.Embed(ectx, text)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	s.cache.Add(key, vector)
	return vector, nil
}
