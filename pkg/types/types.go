// Package types defines the core data structures for the memoir enrichment
// pipeline: memory records, their classification metadata and embeddings,
// queue jobs, schedule definitions, and the transient search result shapes.
package types

// MemoryStatus represents the enrichment lifecycle of a memory record.
type MemoryStatus string

// Memory status constants
const (
	// StatusPending indicates the record was created and awaits classification
	StatusPending MemoryStatus = "pending"

	// StatusClassified indicates classification metadata has been written
	StatusClassified MemoryStatus = "classified"

	// StatusFailed indicates the last classification attempt failed
	StatusFailed MemoryStatus = "failed"
)

// SourceType describes how a memory was captured.
type SourceType string

// Source type constants
const (
	SourceText  SourceType = "text"
	SourceLink  SourceType = "link"
	SourceImage SourceType = "image"
	SourceVoice SourceType = "voice"
)

// ValidMemoryStatuses lists every memory status for validation.
var ValidMemoryStatuses = []MemoryStatus{
	StatusPending,
	StatusClassified,
	StatusFailed,
}

// IsValidMemoryStatus reports whether s is a known memory status.
func IsValidMemoryStatus(s MemoryStatus) bool {
	for _, v := range ValidMemoryStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// IsValidSourceType reports whether s is a known source type.
// Empty is valid and treated as text.
func IsValidSourceType(s SourceType) bool {
	switch s {
	case "", SourceText, SourceLink, SourceImage, SourceVoice:
		return true
	default:
		return false
	}
}
