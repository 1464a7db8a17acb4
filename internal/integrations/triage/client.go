// Package triage is the HTTP client for the external reasoning service. The
// service owns the conversation state machine and the clinical reasoning; this
// client only ships context out and incremental field updates back.
package triage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"intake-router/internal/domain"
	"intake-router/internal/integrations/paramstore"
)

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("triage: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client calls the reasoning service's analyze endpoint.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	getter      paramstore.Getter
	paramPrefix string

	keyOnce sync.Once
	apiKey  string
	keyErr  error
}

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient creates a Client. The API key is fetched from SSM under
// paramPrefix on the first Analyze call and reused for the lifetime of the
// process.
func NewClient(baseURL string, ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("triage: base URL must not be empty")
	}
	if ps == nil {
		return nil, errors.New("triage: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("triage: parameter prefix must not be empty")
	}
	c := &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		getter:      ps,
		paramPrefix: paramPrefix,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// resolveAPIKey fetches the key from SSM on the first call and returns the
// cached result on every subsequent call within the same process lifetime.
func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = paramstore.Secret(ctx, c.getter, c.paramPrefix+"/triage-token")
	})
	return c.apiKey, c.keyErr
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 10 * time.Second}
}

// Analyze sends the message plus full session context and returns the reply
// text and whatever field updates the service chose to include.
func (c *Client) Analyze(ctx context.Context, req domain.TriageRequest) (domain.TriageResult, error) {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return domain.TriageResult{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return domain.TriageResult{}, fmt.Errorf("triage: marshal request: %w", err)
	}

	url := c.baseURL + "/analyze"
	httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return domain.TriageResult{}, fmt.Errorf("triage: create request: %w", reqErr)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		return domain.TriageResult{}, fmt.Errorf("triage: request failed: %w", err)
	}

	var result domain.TriageResult
	if decErr := json.Unmarshal(raw, &result); decErr != nil {
		return domain.TriageResult{}, fmt.Errorf("triage: decode response: %w", decErr)
	}
	if strings.TrimSpace(result.Response) == "" {
		return domain.TriageResult{}, errors.New("triage: response text missing")
	}
	return result, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
