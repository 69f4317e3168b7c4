package llm

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"strings"
)

// HashEmbedder is a deterministic bag-of-words embedder: each lower-cased
// token is hashed into one of Dimension buckets with a hash-derived sign,
// and the result is L2-normalized. Texts sharing words score high cosine
// similarity. It needs no model and is used in tests and offline setups.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder creates a hash embedder. dim <= 0 defaults to 256.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = 256
	}
	return &HashEmbedder{dim: dim}
}

// Embed hashes text into a unit vector.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	vec := make([]float32, h.dim)
	for _, tok := range tokenize(strings.ToLower(text)) {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dim))
		if (sum>>63)&1 == 1 {
			vec[idx]--
		} else {
			vec[idx]++
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec, h.ModelVersion(), nil
}

// Dimension returns the vector length.
func (h *HashEmbedder) Dimension() int { return h.dim }

// ModelVersion identifies the hashing scheme and dimension.
func (h *HashEmbedder) ModelVersion() string { return fmt.Sprintf("hash-v1@%d", h.dim) }

// Compile-time assertion.
var _ Embedder = (*HashEmbedder)(nil)
