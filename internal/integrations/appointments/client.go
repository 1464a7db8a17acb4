// Package appointments is the fire-and-forget HTTP client for the downstream
// scheduling service. Callers decide what to do with a dispatch error; the
// patient-facing flow never surfaces it.
package appointments

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

// Client posts appointment requests to the scheduling service. The response
// body is read only to drain the connection; its content is discarded.
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

// NewClient creates a Client. The API key lives in SSM next to the triage key
// and is fetched once per process.
func NewClient(baseURL string, ps paramstore.Getter, paramPrefix string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("appointments: base URL must not be empty")
	}
	if ps == nil {
		return nil, errors.New("appointments: paramstore getter must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("appointments: parameter prefix must not be empty")
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

func (c *Client) resolveAPIKey(ctx context.Context) (string, error) {
	c.keyOnce.Do(func() {
		c.apiKey, c.keyErr = paramstore.Secret(ctx, c.getter, c.paramPrefix+"/appointments-token")
	})
	return c.apiKey, c.keyErr
}

// Dispatch sends the appointment request. A non-2xx status is an error so the
// caller can log it, but nothing downstream of the log depends on it.
func (c *Client) Dispatch(ctx context.Context, req domain.AppointmentRequest) error {
	apiKey, err := c.resolveAPIKey(ctx)
	if err != nil {
		return err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("appointments: marshal request: %w", err)
	}

	url := c.baseURL + "/appointments"
	httpReq, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if reqErr != nil {
		return fmt.Errorf("appointments: create request: %w", reqErr)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+apiKey)

	res, doErr := c.httpClient.Do(httpReq)
	if doErr != nil {
		return fmt.Errorf("appointments: request failed: %w", doErr)
	}
	defer func() { _ = res.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return fmt.Errorf("appointments: unexpected status %d from %s", res.StatusCode, url)
	}
	return nil
}
