// Package providers adapts external content catalogs (movies, books,
// places, recipes, web) to a single search interface used by the smart
// search router.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/scrypster/memoir/internal/apperrors"
	"github.com/scrypster/memoir/internal/llm"
	"github.com/scrypster/memoir/pkg/types"
)

// ContentProvider searches one external catalog. Errors are classified:
// 429, 5xx, timeouts and network errors are transient, other 4xx permanent.
type ContentProvider interface {
	Name() string
	Search(ctx context.Context, query string, limit int) ([]types.ExternalHit, error)
}

// ClientConfig holds the transport settings shared by every adapter.
type ClientConfig struct {
	// BaseURL overrides the service endpoint (tests point it at httptest).
	BaseURL string

	// RatePerSecond caps outbound requests (default: 5). Burst defaults to 2x.
	RatePerSecond float64
	Burst         int

	// Timeout bounds one HTTP call (default: 10s). The router's per-provider
	// deadline usually fires first.
	Timeout time.Duration
}

// client is the HTTP plumbing shared by the adapters: a rate limiter in
// front of a circuit breaker in front of net/http.
type client struct {
	name    string
	baseURL string
	http    *http.Client
	breaker *llm.CircuitBreaker
	limiter *rate.Limiter
}

func newClient(name, defaultBase string, cfg ClientConfig) *client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBase
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RatePerSecond*2) + 1
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &client{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: llm.NewCircuitBreaker("provider." + name),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
	}
}

// getJSON performs GET baseURL+path?params and decodes the body into out.
func (c *client) getJSON(ctx context.Context, path string, params url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return apperrors.Transient(fmt.Errorf("%s rate limit wait: %w", c.name, err))
	}

	_, err := llm.Call(ctx, c.breaker, func() (struct{}, error) {
		u := c.baseURL + path
		if len(params) > 0 {
			u += "?" + params.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return struct{}{}, apperrors.Permanent(fmt.Errorf("failed to create %s request: %w", c.name, err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return struct{}{}, apperrors.Transient(fmt.Errorf("failed to send %s request: %w", c.name, err))
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			return struct{}{}, apperrors.FromHTTPStatus(c.name, resp.StatusCode, string(body))
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return struct{}{}, apperrors.Transient(fmt.Errorf("failed to decode %s response: %w", c.name, err))
		}
		return struct{}{}, nil
	})
	return err
}

// positional scores a result by its rank in the upstream list: the first of
// n gets 1, the last gets 1/n.
func positional(i, n int) float64 {
	if n <= 0 {
		return 0
	}
	return 1 - float64(i)/float64(n)
}

// yearOf returns the leading four characters of a date string when they
// look like a year.
func yearOf(date string) string {
	if len(date) < 4 {
		return ""
	}
	y := date[:4]
	for _, r := range y {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return y
}

func clampLimit(limit, max int) int {
	if limit <= 0 || limit > max {
		return max
	}
	return limit
}
