package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/scrypster/memoir/internal/apperrors"
)

const (
	anthropicAPIVersion = "2023-06-01"
	classifierSystem    = "You label personal memories. Reply with a single JSON object and nothing else."
)

// AnthropicConfig configures the Messages API client. Zero fields take the
// defaults applied by NewAnthropicClient.
type AnthropicConfig struct {
	APIKey    string
	Model     string        // claude-haiku-4-5-20251001
	BaseURL   string        // https://api.anthropic.com
	MaxTokens int           // 1024
	Timeout   time.Duration // 60s
}

// AnthropicClient is a TextGenerator for classification prompts. There is
// no Anthropic embedder; pair it with Ollama or OpenAI embeddings.
type AnthropicClient struct {
	cfg     AnthropicConfig
	http    *http.Client
	breaker *CircuitBreaker
}

func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.Model == "" {
		cfg.Model = "claude-haiku-4-5-20251001"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.anthropic.com"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &AnthropicClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: NewCircuitBreaker("anthropic"),
	}
}

type messagesRequest struct {
	Model       string        `json:"model"`
	System      string        `json:"system,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Complete runs prompt at temperature 0 so repeated classification of the
// same text yields the same labels. A reply cut off by max_tokens is
// transient: its JSON is almost certainly truncated.
func (c *AnthropicClient) Complete(ctx context.Context, prompt string) (string, error) {
	return Call(ctx, c.breaker, func() (string, error) {
		var resp messagesResponse
		err := postJSON(ctx, c.http, "anthropic", c.cfg.BaseURL+"/v1/messages",
			map[string]string{"x-api-key": c.cfg.APIKey, "anthropic-version": anthropicAPIVersion},
			messagesRequest{
				Model:     c.cfg.Model,
				System:    classifierSystem,
				MaxTokens: c.cfg.MaxTokens,
				Messages:  []chatMessage{{Role: "user", Content: prompt}},
			}, &resp)
		if err != nil {
			return "", err
		}
		if resp.StopReason == "max_tokens" {
			return "", apperrors.Transientf("anthropic reply truncated at %d tokens", c.cfg.MaxTokens)
		}

		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "" || block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if text.Len() == 0 {
			return "", apperrors.Transientf("anthropic returned no text content")
		}
		return text.String(), nil
	})
}

func (c *AnthropicClient) GetModel() string {
	return c.cfg.Model
}

var _ TextGenerator = (*AnthropicClient)(nil)
