package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.aimuz.me/gesturekeys/internal/types"
)

// ConnectionError reports a failure to reach the backend.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StatusClient reads and switches the backend's detection flag.
type StatusClient struct {
	url  string
	http *http.Client
}

// NewStatusClient creates a client for the backend at baseURL.
func NewStatusClient(baseURL string, timeout time.Duration) *StatusClient {
	return &StatusClient{
		url:  strings.TrimRight(baseURL, "/") + "/api/gesture",
		http: &http.Client{Timeout: timeout},
	}
}

// Get returns the backend's detection status.
func (c *StatusClient) Get(ctx context.Context) (types.RemoteStatus, error) {
	return c.do(ctx, http.MethodGet, nil)
}

// Set switches backend detection on or off.
func (c *StatusClient) Set(ctx context.Context, enabled bool) (types.RemoteStatus, error) {
	body, err := json.Marshal(types.GestureToggle{Enabled: enabled})
	if err != nil {
		return types.RemoteStatus{}, fmt.Errorf("marshal request: %w", err)
	}
	return c.do(ctx, http.MethodPost, body)
}

func (c *StatusClient) do(ctx context.Context, method string, body []byte) (types.RemoteStatus, error) {
	op := strings.ToLower(method) + " gesture status"
	fail := func(err error) (types.RemoteStatus, error) {
		return types.RemoteStatus{}, &ConnectionError{Op: op, URL: c.url, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url, bytes.NewReader(body))
	if err != nil {
		return fail(fmt.Errorf("create request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fail(fmt.Errorf("do request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fail(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fail(fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	var st types.RemoteStatus
	if err := json.Unmarshal(data, &st); err != nil {
		return fail(fmt.Errorf("unmarshal response: %w", err))
	}
	return st, nil
}
