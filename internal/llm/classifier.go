package llm

import (
	"context"
	"fmt"

	"github.com/scrypster/memoir/pkg/types"
)

// DefaultTaxonomy is the category set used when none is configured.
var DefaultTaxonomy = []string{"movie", "book", "place", "recipe", "idea", "product", "task", "other"}

// LLMClassifier classifies text by prompting a TextGenerator.
type LLMClassifier struct {
	gen      TextGenerator
	taxonomy []string
}

// NewLLMClassifier creates a classifier over gen. An empty taxonomy uses
// DefaultTaxonomy.
func NewLLMClassifier(gen TextGenerator, taxonomy []string) *LLMClassifier {
	if len(taxonomy) == 0 {
		taxonomy = DefaultTaxonomy
	}
	return &LLMClassifier{gen: gen, taxonomy: taxonomy}
}

// Classify prompts the model and parses its answer.
func (c *LLMClassifier) Classify(ctx context.Context, text string) (*types.ClassificationMetadata, error) {
	raw, err := c.gen.Complete(ctx, ClassificationPrompt(text, c.taxonomy))
	if err != nil {
		return nil, fmt.Errorf("classification request to %s failed: %w", c.gen.GetModel(), err)
	}
	meta, err := ParseClassificationResponse(raw)
	if err != nil {
		return nil, err
	}
	meta.Model = c.gen.GetModel()
	return meta, nil
}

// Compile-time assertion.
var _ Classifier = (*LLMClassifier)(nil)
