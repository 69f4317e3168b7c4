package llm

import (
	"fmt"
	"time"
)

// Config selects and configures the classification and embedding backends.
type Config struct {
	// Provider backs classification: "openai", "anthropic", "ollama" or "rules".
	Provider string
	APIKey   string
	BaseURL  string
	Model    string

	// EmbeddingProvider backs embeddings: "openai", "ollama" or "hash".
	EmbeddingProvider string
	EmbeddingAPIKey   string
	EmbeddingBaseURL  string
	EmbeddingModel    string
	Dimension         int

	Timeout  time.Duration
	Taxonomy []string
}

// NewClassifier creates the Classifier named by cfg.Provider.
func NewClassifier(cfg Config) (Classifier, error) {
	switch cfg.Provider {
	case "rules", "":
		return NewRuleClassifier(cfg.Taxonomy), nil
	case "openai":
		gen := NewOpenAIClient(OpenAIConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout})
		return NewLLMClassifier(gen, cfg.Taxonomy), nil
	case "anthropic":
		gen := NewAnthropicClient(AnthropicConfig{APIKey: cfg.APIKey, Model: cfg.Model, BaseURL: cfg.BaseURL, Timeout: cfg.Timeout})
		return NewLLMClassifier(gen, cfg.Taxonomy), nil
	case "ollama":
		gen := NewOllamaClient(OllamaConfig{BaseURL: cfg.BaseURL, Model: cfg.Model, Timeout: cfg.Timeout})
		return NewLLMClassifier(gen, cfg.Taxonomy), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

// NewEmbedder creates the Embedder named by cfg.EmbeddingProvider.
// Anthropic has no embedding API and is rejected.
func NewEmbedder(cfg Config) (Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "hash", "":
		return NewHashEmbedder(cfg.Dimension), nil
	case "openai":
		return NewOpenAIEmbedder(OpenAIConfig{
			APIKey:         cfg.EmbeddingAPIKey,
			BaseURL:        cfg.EmbeddingBaseURL,
			EmbeddingModel: cfg.EmbeddingModel,
			Dimension:      cfg.Dimension,
			Timeout:        cfg.Timeout,
		}), nil
	case "ollama":
		return NewOllamaClient(OllamaConfig{
			BaseURL:        cfg.EmbeddingBaseURL,
			EmbeddingModel: cfg.EmbeddingModel,
			Dimension:      cfg.Dimension,
			Timeout:        cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q", cfg.EmbeddingProvider)
	}
}
