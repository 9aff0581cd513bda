// Package intake provides a client for the mailbox intake connector.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/oficio-cli/internal/model"
)

// ErrUnavailable is returned when the connector cannot be reached or fails
// with a server error.
var ErrUnavailable = eris.New("intake: connector unavailable")

// IsUnavailable reports whether err means the connector was unreachable.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// Client defines the intake connector operations.
type Client interface {
	// ListMessages returns the messages in a mailbox carrying a label.
	ListMessages(ctx context.Context, mailbox, label string) ([]model.RawMessage, error)
}

// ListResponse is the connector's message listing.
type ListResponse struct {
	Messages []model.RawMessage `json:"messages"`
}

// Option configures the intake client.
type Option func(*httpClient)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithTimeout bounds every connector call.
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

// NewClient creates a new intake connector client.
func NewClient(baseURL, token string, opts ...Option) Client {
	c := &httpClient{
		token:   token,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 20 * time.Second,
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

func (c *httpClient) ListMessages(ctx context.Context, mailbox, label string) ([]model.RawMessage, error) {
	reqURL := fmt.Sprintf("%s/mailboxes/%s/messages?label=%s",
		c.baseURL, url.PathEscape(mailbox), url.QueryEscape(label))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "intake: create request")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "intake: list messages")
		}
		return nil, eris.Wrapf(ErrUnavailable, "intake: list messages: %v", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrapf(ErrUnavailable, "intake: read response body: %v", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, eris.Wrapf(ErrUnavailable, "intake: status %d: %s", resp.StatusCode, string(body))
	case resp.StatusCode != http.StatusOK:
		return nil, eris.Errorf("intake: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var out ListResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, eris.Wrap(err, "intake: decode response")
	}
	return out.Messages, nil
}
