// Package platform is the thin outbound client for the A-Team platform
// API. It injects the per-session credential pair as headers and classifies
// transport failures into actionable hints. It never retries.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/ariekogan/ateam-mcp/sessions"
)

const (
	teamHeader = "X-Team-ID"
	keyHeader  = "X-API-Key"
)

// APIError is a non-2xx platform response.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform returned %d: %s", e.Status, e.Body)
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// Client calls the platform API.
type Client struct {
	baseURL string
	hc      *http.Client
	log     *slog.Logger
}

// NewClient builds a Client for the platform API at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: 30 * time.Second},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do performs one platform call with creds injected as headers. body, when
// non-nil, is marshaled as JSON. The response body is returned raw for the
// caller to pick apart.
func (c *Client) Do(ctx context.Context, method, path string, creds sessions.Credentials, body any) (json.RawMessage, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(teamHeader, creds.Team)
	req.Header.Set(keyHeader, creds.Key)

	start := time.Now()
	res, err := c.hc.Do(req)
	if err != nil {
		return nil, classify(err, c.baseURL)
	}
	defer res.Body.Close()

	c.log.Debug("platform.call",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", res.StatusCode),
		slog.Duration("dur", time.Since(start)))

	payload, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read platform response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, &APIError{Status: res.StatusCode, Body: strings.TrimSpace(string(payload))}
	}
	return payload, nil
}

// Get issues a GET request.
func (c *Client) Get(ctx context.Context, path string, creds sessions.Credentials) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodGet, path, creds, nil)
}

// Post issues a POST request with a JSON body.
func (c *Client) Post(ctx context.Context, path string, creds sessions.Credentials, body any) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPost, path, creds, body)
}

// Patch issues a PATCH request with a JSON body.
func (c *Client) Patch(ctx context.Context, path string, creds sessions.Credentials, body any) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodPatch, path, creds, body)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, creds sessions.Credentials) (json.RawMessage, error) {
	return c.Do(ctx, http.MethodDelete, path, creds, nil)
}

// classify turns low-level transport failures into hints that distinguish
// DNS failure, connection refusal, and timeout, so the user can tell a bad
// ATEAM_API_URL from a platform outage.
func classify(err error, baseURL string) error {
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &dnsErr):
		return fmt.Errorf("cannot resolve platform host for %s (DNS failure), check ATEAM_API_URL: %w", baseURL, err)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("platform refused the connection at %s, is the platform reachable from this network: %w", baseURL, err)
	case os.IsTimeout(err), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("platform call timed out against %s, the platform may be slow or unreachable: %w", baseURL, err)
	default:
		return fmt.Errorf("platform call failed: %w", err)
	}
}
