package types

import (
	"sort"
	"strings"
	"time"
)

// MemoryRecord is a single captured memory. The request layer creates it as
// Pending; the classification worker owns Status and Classification, and the
// embedding indexer owns EmbeddingRef. The two writers touch disjoint fields.
type MemoryRecord struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Title      string     `json:"title,omitempty"`
	Content    string     `json:"content"`
	SourceType SourceType `json:"source_type,omitempty"`

	Status       MemoryStatus `json:"status"`
	StatusReason string       `json:"status_reason,omitempty"` // Last failure reason when Status is failed

	Classification *ClassificationMetadata `json:"classification,omitempty"`
	EmbeddingRef   *EmbeddingRef           `json:"embedding_ref,omitempty"` // nil until indexed

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EmbeddingText returns the text fed to the embedding model.
func (m *MemoryRecord) EmbeddingText() string {
	if strings.TrimSpace(m.Title) == "" {
		return m.Content
	}
	return m.Title + "\n\n" + m.Content
}

// Entity is a typed value extracted from memory content, e.g. {title, Inception}.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ClassificationMetadata is the structured output of the classification worker.
type ClassificationMetadata struct {
	Category   string   `json:"category"`
	Tags       []string `json:"tags"`
	Entities   []Entity `json:"entities"`
	Confidence float64  `json:"confidence"` // 0.0-1.0
	Model      string   `json:"model,omitempty"`
}

// Normalize lower-cases, trims, dedupes and sorts tags so that repeated
// classification of the same content yields identical metadata.
func (c *ClassificationMetadata) Normalize() {
	c.Category = strings.ToLower(strings.TrimSpace(c.Category))

	seen := make(map[string]struct{}, len(c.Tags))
	tags := make([]string, 0, len(c.Tags))
	for _, t := range c.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		tags = append(tags, t)
	}
	sort.Strings(tags)
	c.Tags = tags

	entities := make([]Entity, 0, len(c.Entities))
	for _, e := range c.Entities {
		e.Type = strings.ToLower(strings.TrimSpace(e.Type))
		e.Value = strings.TrimSpace(e.Value)
		if e.Type == "" || e.Value == "" {
			continue
		}
		entities = append(entities, e)
	}
	c.Entities = entities
}

// HasTag reports whether the tag set contains tag.
func (c *ClassificationMetadata) HasTag(tag string) bool {
	for _, t := range c.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// EmbeddingRef points a record at its live embedding entry.
type EmbeddingRef struct {
	ModelVersion string    `json:"model_version"`
	Dimension    int       `json:"dimension"`
	IndexedAt    time.Time `json:"indexed_at"`
}

// EmbeddingEntry is the single live vector for a memory record.
// Re-indexing replaces the entry; there is never more than one per record.
type EmbeddingEntry struct {
	MemoryID     string    `json:"memory_id"`
	Vector       []float32 `json:"vector"`
	ModelVersion string    `json:"model_version"`
	UpdatedAt    time.Time `json:"updated_at"`
}
