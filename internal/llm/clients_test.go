package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOllamaClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/generate":
			var req ollamaGenerateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "json", req.Format)
			assert.False(t, req.Stream)
			_ = json.NewEncoder(w).Encode(ollamaGenerateResponse{Response: `{"category":"idea","confidence":0.6}`})
		case "/api/embed":
			_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: [][]float32{{0.1, 0.2, 0.3}}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewOllamaClient(OllamaConfig{BaseURL: srv.URL, Model: "m", EmbeddingModel: "e", Dimension: 3})
	out, err := c.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Contains(t, out, "idea")

	vec, version, err := c.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
	assert.Equal(t, "ollama/e", version)
	assert.Equal(t, 3, c.Dimension())
}

func TestAnthropicClient(t *testing.T) {
	stop := "end_turn"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))

		var req messagesRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, classifierSystem, req.System)
		assert.Zero(t, req.Temperature)
		assert.Equal(t, 1024, req.MaxTokens)

		_, _ = w.Write([]byte(`{"content":[{"type":"text","text":"{\"category\":"},{"type":"text","text":"\"movie\"}"}],"stop_reason":"` + stop + `"}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	out, err := c.Complete(context.Background(), "prompt")
	require.NoError(t, err)
	assert.Equal(t, `{"category":"movie"}`, out)

	stop = "max_tokens"
	_, err = c.Complete(context.Background(), "prompt")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
}

func TestHTTPStatusClassification(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient(AnthropicConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := c.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, apperrors.IsTransient(err))
	assert.False(t, apperrors.IsPermanent(err))

	status = http.StatusUnauthorized
	_, err = c.Complete(context.Background(), "hi")
	require.Error(t, err)
	assert.True(t, apperrors.IsPermanent(err))
}

func TestOpenAIClients(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/chat/completions":
			_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"{\"category\":\"book\",\"confidence\":0.7}"},"finish_reason":"stop"}]}`))
		case "/v1/embeddings":
			_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.5,0.5]}],"model":"text-embedding-3-small"}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"bad","type":"invalid_request_error"}}`))
		}
	}))
	defer srv.Close()

	gen := NewOpenAIClient(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1"})
	meta, err := NewLLMClassifier(gen, nil).Classify(context.Background(), "a novel")
	require.NoError(t, err)
	assert.Equal(t, "book", meta.Category)
	assert.Equal(t, "gpt-4o-mini", meta.Model)

	emb := NewOpenAIEmbedder(OpenAIConfig{APIKey: "k", BaseURL: srv.URL + "/v1", Dimension: 2})
	vec, version, err := emb.Embed(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.5, 0.5}, vec)
	assert.Equal(t, "openai/text-embedding-3-small@2", version)
}

func TestCircuitBreaker_TripsOnTransientOnly(t *testing.T) {
	cb := NewCircuitBreakerWithConfig("test", CircuitBreakerConfig{MaxFailures: 2, Timeout: time.Hour})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(ctx, func() (interface{}, error) { return nil, apperrors.Permanentf("bad request") })
		assert.True(t, apperrors.IsPermanent(err))
	}
	assert.Equal(t, "closed", cb.State())

	for i := 0; i < 2; i++ {
		_, _ = cb.Execute(ctx, func() (interface{}, error) { return nil, apperrors.Transientf("503") })
	}
	assert.Equal(t, "open", cb.State())

	_, err := Call(ctx, cb, func() (string, error) { return "unreachable", nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, apperrors.IsTransient(err))
}
