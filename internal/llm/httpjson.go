package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/scrypster/memoir/internal/apperrors"
)

// postJSON sends in as a JSON body and decodes the response into out.
// Network errors and deadline expiry are transient; status codes are
// classified by apperrors.FromHTTPStatus; an undecodable body is transient
// since a retry may well produce a valid one.
func postJSON(ctx context.Context, client *http.Client, service, url string, headers map[string]string, in, out any) error {
	jsonData, err := json.Marshal(in)
	if err != nil {
		return apperrors.Permanent(fmt.Errorf("failed to marshal %s request: %w", service, err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return apperrors.Permanent(fmt.Errorf("failed to create %s request: %w", service, err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return apperrors.Transient(fmt.Errorf("failed to send %s request: %w", service, err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.FromHTTPStatus(service, resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperrors.Transient(fmt.Errorf("failed to decode %s response: %w", service, err))
	}
	return nil
}
