package types

import "time"

// SearchFilter is a hard pre-ranking predicate on semantic search candidates.
// Zero values disable the corresponding constraint.
type SearchFilter struct {
	OwnerID    string    `json:"owner_id,omitempty"`
	Categories []string  `json:"categories,omitempty"`
	From       time.Time `json:"from,omitempty"` // inclusive, on CreatedAt
	To         time.Time `json:"to,omitempty"`   // inclusive, on CreatedAt
}

// Matches reports whether a candidate with the given attributes passes the filter.
func (f SearchFilter) Matches(ownerID, category string, createdAt time.Time) bool {
	if f.OwnerID != "" && ownerID != f.OwnerID {
		return false
	}
	if len(f.Categories) > 0 {
		ok := false
		for _, c := range f.Categories {
			if c == category {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if !f.From.IsZero() && createdAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && createdAt.After(f.To) {
		return false
	}
	return true
}

// SemanticHit is a memory record matched by vector similarity.
type SemanticHit struct {
	MemoryID     string    `json:"memory_id"`
	Score        float64   `json:"score"` // cosine similarity
	UpdatedAt    time.Time `json:"updated_at"`
	Category     string    `json:"category,omitempty"`
	ModelVersion string    `json:"model_version,omitempty"`
}

// Intent is the detected category of a smart-search query.
type Intent string

// Intent constants
const (
	IntentMovie   Intent = "movie"
	IntentBook    Intent = "book"
	IntentPlace   Intent = "place"
	IntentRecipe  Intent = "recipe"
	IntentUnknown Intent = "unknown"
)

// ParseIntent maps a string to an Intent, returning IntentUnknown for anything else.
func ParseIntent(s string) Intent {
	switch Intent(s) {
	case IntentMovie, IntentBook, IntentPlace, IntentRecipe:
		return Intent(s)
	default:
		return IntentUnknown
	}
}

// NormalizedResult is the provider-independent metadata of an external hit.
type NormalizedResult struct {
	Title       string `json:"title"`
	Year        string `json:"year,omitempty"`
	Thumbnail   string `json:"thumbnail,omitempty"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ExternalHit is a single result from an external content provider.
type ExternalHit struct {
	Provider   string           `json:"provider"`
	ProviderID string           `json:"provider_id,omitempty"`
	Relevance  float64          `json:"relevance"`
	Result     NormalizedResult `json:"result"`
}

// ProviderFailure records a provider omitted from a smart-search response.
type ProviderFailure struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
	TimedOut bool   `json:"timed_out"`
}

// SmartResult is the response envelope of a smart search. Semantic and
// external hits are separate groups; their scores are not comparable.
type SmartResult struct {
	Intent                 Intent                   `json:"intent"`
	SearchQuery            string                   `json:"search_query"`
	SemanticHits           []SemanticHit            `json:"semantic_hits"`
	ExternalHitsByProvider map[string][]ExternalHit `json:"external_hits_by_provider"`
	PartialFailures        []ProviderFailure        `json:"partial_failures"`
}

// HasPartialFailure reports whether provider is listed among the failures.
func (r *SmartResult) HasPartialFailure(provider string) bool {
	for _, f := range r.PartialFailures {
		if f.Provider == provider {
			return true
		}
	}
	return false
}
