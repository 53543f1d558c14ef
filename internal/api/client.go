package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"framereel/internal/pipeline"
)

// ErrAPIUnavailable is returned when no server address is configured or the
// server cannot be reached.
var ErrAPIUnavailable = errors.New("framereel API unavailable")

// Client talks to a running framereel server.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// NewClient builds a client for bind, a host:port or URL. An empty bind
// yields a nil client whose calls return ErrAPIUnavailable.
func NewClient(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, nil
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""
	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		// Runs are synchronous; callers bound them with their context.
		http: &http.Client{},
	}, nil
}

// Status fetches server status.
func (c *Client) Status(ctx context.Context) (ServerStatus, error) {
	var out ServerStatus
	err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &out)
	return out, err
}

// Usage fetches today's quota position for username.
func (c *Client) Usage(ctx context.Context, username string) (Usage, error) {
	var out Usage
	err := c.do(ctx, http.MethodGet, "/api/usage", url.Values{"username": {username}}, nil, &out)
	return out, err
}

// ListUsage fetches every user the server has seen today.
func (c *Client) ListUsage(ctx context.Context) ([]Usage, error) {
	var out UsageListResponse
	if err := c.do(ctx, http.MethodGet, "/api/usage", nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Users, nil
}

// StartRun submits a request and waits for its outcome. Failed runs are
// reported through the result, not the error; the error covers transport
// problems only.
func (c *Client) StartRun(ctx context.Context, req pipeline.GenerationRequest) (RunResult, error) {
	var out RunResult
	err := c.do(ctx, http.MethodPost, "/api/runs", nil, req, &out)
	var statusErr *StatusError
	if errors.As(err, &statusErr) && out.ErrorKind != "" {
		return out, nil
	}
	return out, err
}

// StatusError reports a non-2xx response.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("api returned status %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	if c == nil {
		return ErrAPIUnavailable
	}
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) {
			return fmt.Errorf("%w: %v", ErrAPIUnavailable, err)
		}
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		// Run failures still carry a RunResult body.
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &apiErr)
		return &StatusError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
