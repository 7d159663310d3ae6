package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// HTTPProvider dispatches work to a remote provider service over a small JSON
// protocol: POST /v1/execute with a Request body, 200 with a Response body on
// success. GET /healthz serves as the liveness probe.
type HTTPProvider struct {
	id      string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPProvider builds a provider client. apiKeyEnv names an environment
// variable holding the bearer token; empty means unauthenticated.
func NewHTTPProvider(id, baseURL, apiKeyEnv string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	apiKey := ""
	if apiKeyEnv != "" {
		apiKey = os.Getenv(apiKeyEnv)
	}
	return &HTTPProvider{
		id:      id,
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPProvider) Execute(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("provider %s: encode request: %w", p.id, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("provider %s: build request: %w", p.id, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("provider %s: execute: %w", p.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("provider %s: execute: status %d: %s", p.id, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("provider %s: decode response: %w", p.id, err)
	}
	return &out, nil
}

func (p *HTTPProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("provider %s: build probe: %w", p.id, err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider %s: probe: %w", p.id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("provider %s: probe: status %d", p.id, resp.StatusCode)
	}
	return nil
}
