package storage

import (
	"math"
	"sort"

	"github.com/scrypster/memoir/pkg/types"
)

// CosineSimilarity returns the cosine of the angle between a and b.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// HitLess is the total order used for semantic hits: score descending, then
// record update time descending, then record ID ascending.
func HitLess(a, b types.SemanticHit) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return a.MemoryID < b.MemoryID
}

// RankHits sorts hits by HitLess and truncates to topK.
func RankHits(hits []types.SemanticHit, topK int) []types.SemanticHit {
	sort.SliceStable(hits, func(i, j int) bool { return HitLess(hits[i], hits[j]) })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
