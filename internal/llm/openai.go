package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/scrypster/memoir/internal/apperrors"
)

// OpenAIConfig holds configuration for the OpenAI clients. BaseURL lets any
// OpenAI-compatible endpoint stand in.
type OpenAIConfig struct {
	APIKey         string
	Model          string // default: gpt-4o-mini
	EmbeddingModel string // default: text-embedding-3-small
	BaseURL        string // default: https://api.openai.com/v1
	Dimension      int    // requested embedding length; 0 uses the model default
	Timeout        time.Duration
}

func newOpenAIClient(cfg OpenAIConfig) *openai.Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	return openai.NewClientWithConfig(clientConfig)
}

// OpenAIClient implements TextGenerator via the chat completions API.
type OpenAIClient struct {
	cfg            OpenAIConfig
	client         *openai.Client
	circuitBreaker *CircuitBreaker
}

// NewOpenAIClient creates a new OpenAI chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &OpenAIClient{
		cfg:            cfg,
		client:         newOpenAIClient(cfg),
		circuitBreaker: NewCircuitBreaker("openai"),
	}
}

// Complete sends a single-turn completion and requests a JSON object back.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return Call(ctx, c.circuitBreaker, func() (string, error) {
		ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()

		resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       c.cfg.Model,
			Temperature: 0,
			Messages: []openai.ChatCompletionMessage{
				{Role: openai.ChatMessageRoleUser, Content: prompt},
			},
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err != nil {
			return "", classifyOpenAIError(err)
		}
		if len(resp.Choices) == 0 {
			return "", apperrors.Transientf("openai returned no choices")
		}
		return resp.Choices[0].Message.Content, nil
	})
}

// GetModel returns the configured model name.
func (c *OpenAIClient) GetModel() string {
	return c.cfg.Model
}

// OpenAIEmbedder implements Embedder via the embeddings API.
type OpenAIEmbedder struct {
	cfg            OpenAIConfig
	client         *openai.Client
	circuitBreaker *CircuitBreaker
}

// NewOpenAIEmbedder creates a new OpenAI embedding client.
func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &OpenAIEmbedder{
		cfg:            cfg,
		client:         newOpenAIClient(cfg),
		circuitBreaker: NewCircuitBreaker("openai-embeddings"),
	}
}

// Embed generates an embedding vector for the given text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, string, error) {
	vec, err := Call(ctx, e.circuitBreaker, func() ([]float32, error) {
		ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()

		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      []string{text},
			Model:      openai.EmbeddingModel(e.cfg.EmbeddingModel),
			Dimensions: e.cfg.Dimension,
		})
		if err != nil {
			return nil, classifyOpenAIError(err)
		}
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
			return nil, apperrors.Transientf("openai returned empty embedding")
		}
		return resp.Data[0].Embedding, nil
	})
	if err != nil {
		return nil, "", err
	}
	return vec, e.ModelVersion(), nil
}

// ModelVersion identifies the model and requested dimension.
func (e *OpenAIEmbedder) ModelVersion() string {
	if e.cfg.Dimension > 0 {
		return fmt.Sprintf("openai/%s@%d", e.cfg.EmbeddingModel, e.cfg.Dimension)
	}
	return "openai/" + e.cfg.EmbeddingModel
}

// Dimension returns the configured embedding length.
func (e *OpenAIEmbedder) Dimension() int { return e.cfg.Dimension }

// classifyOpenAIError maps go-openai errors onto the taxonomy.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apperrors.FromHTTPStatus("openai", apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return apperrors.FromHTTPStatus("openai", reqErr.HTTPStatusCode, reqErr.Error())
	}
	return apperrors.Transient(fmt.Errorf("openai request failed: %w", err))
}

// Compile-time assertions.
var _ TextGenerator = (*OpenAIClient)(nil)
var _ Embedder = (*OpenAIEmbedder)(nil)
