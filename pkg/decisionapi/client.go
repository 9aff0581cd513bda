// Package decisionapi provides a client for the primary decision service.
package decisionapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/oficio-cli/internal/model"
)

// StatusError is a non-2xx answer from the primary service. Body is kept
// verbatim so callers can proxy it.
type StatusError struct {
	Code        int
	Body        []byte
	ContentType string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("decisionapi: status %d: %s", e.Code, string(e.Body))
}

// AsStatusError extracts a StatusError from err's chain.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Result is a successful primary response.
type Result struct {
	Code int
	Body json.RawMessage
}

// Client defines the primary decision service operations.
type Client interface {
	// SubmitDecision posts a decision in its wire shape.
	SubmitDecision(ctx context.Context, req model.DecisionRequest, idempotencyKey string) (*Result, error)
}

// Option configures the decision client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout bounds every call to the primary service.
func WithTimeout(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

type httpClient struct {
	token   string
	baseURL string
	http    *http.Client
}

// NewClient creates a new primary decision service client.
func NewClient(baseURL, token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) SubmitDecision(ctx context.Context, dr model.DecisionRequest, idempotencyKey string) (*Result, error) {
	payload, err := json.Marshal(dr)
	if err != nil {
		return nil, eris.Wrap(err, "decisionapi: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oficios/decisions", bytes.NewReader(payload))
	if err != nil {
		return nil, eris.Wrap(err, "decisionapi: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "decisionapi: submit decision")
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "decisionapi: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Code:        resp.StatusCode,
			Body:        body,
			ContentType: resp.Header.Get("Content-Type"),
		}
	}
	return &Result{Code: resp.StatusCode, Body: body}, nil
}
