package llm

import (
	"context"

	"github.com/scrypster/memoir/pkg/types"
)

// TextGenerator is the interface for LLM text completion.
// Classification prompts use single-string completion style (not chat).
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// Classifier assigns a category, tags and entities to memory text.
// Timeouts are carried by the ctx deadline.
type Classifier interface {
	Classify(ctx context.Context, text string) (*types.ClassificationMetadata, error)
}

// Embedder turns text into a fixed-dimension vector. Embed returns the model
// version that produced the vector so stale entries can be found later.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, string, error)
	Dimension() int
	ModelVersion() string
}
