package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/scrypster/memoir/internal/apperrors"
)

// OllamaConfig holds Ollama client configuration.
type OllamaConfig struct {
	// BaseURL is the base URL for the Ollama API (default: http://localhost:11434)
	BaseURL string

	// Model is used for completions (default: qwen2.5:7b)
	Model string

	// EmbeddingModel is used for embeddings (default: nomic-embed-text)
	EmbeddingModel string

	// Dimension is the expected embedding length; 0 disables the check.
	Dimension int

	// Timeout bounds a single HTTP call (default: 30s)
	Timeout time.Duration
}

// OllamaClient talks to a local Ollama server. It serves as both the
// classification text generator and the embedder.
type OllamaClient struct {
	cfg            OllamaConfig
	client         *http.Client
	circuitBreaker *CircuitBreaker
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
	Format string `json:"format,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

// The embeddings field is a 2D array; we send one input and use the first row.
type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// NewOllamaClient creates a client, applying defaults for empty fields.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "qwen2.5:7b"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "nomic-embed-text"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OllamaClient{
		cfg:            cfg,
		client:         &http.Client{Timeout: cfg.Timeout},
		circuitBreaker: NewCircuitBreaker("ollama"),
	}
}

// Complete sends a non-streaming generate request and asks for JSON output.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	return Call(ctx, c.circuitBreaker, func() (string, error) {
		var resp ollamaGenerateResponse
		err := postJSON(ctx, c.client, "ollama", c.cfg.BaseURL+"/api/generate", nil,
			ollamaGenerateRequest{Model: c.cfg.Model, Prompt: prompt, Format: "json"}, &resp)
		if err != nil {
			return "", err
		}
		return resp.Response, nil
	})
}

// Embed returns the embedding for text and the embedding model name.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, string, error) {
	vec, err := Call(ctx, c.circuitBreaker, func() ([]float32, error) {
		var resp ollamaEmbedResponse
		err := postJSON(ctx, c.client, "ollama", c.cfg.BaseURL+"/api/embed", nil,
			ollamaEmbedRequest{Model: c.cfg.EmbeddingModel, Input: text}, &resp)
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) == 0 || len(resp.Embeddings[0]) == 0 {
			return nil, apperrors.Transientf("ollama returned empty embedding vector")
		}
		return resp.Embeddings[0], nil
	})
	if err != nil {
		return nil, "", err
	}
	return vec, c.ModelVersion(), nil
}

// GetModel returns the completion model name.
func (c *OllamaClient) GetModel() string { return c.cfg.Model }

// ModelVersion identifies the embedding model.
func (c *OllamaClient) ModelVersion() string {
	return fmt.Sprintf("ollama/%s", c.cfg.EmbeddingModel)
}

// Dimension returns the configured embedding length.
func (c *OllamaClient) Dimension() int { return c.cfg.Dimension }

// Compile-time assertions that OllamaClient satisfies both LLM interfaces.
var _ TextGenerator = (*OllamaClient)(nil)
var _ Embedder = (*OllamaClient)(nil)
