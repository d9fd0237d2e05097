package settings

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const settingsPath = "/api/settings"

// maxDocumentSize bounds how much of a response body is read.
const maxDocumentSize = 1 << 20

// HTTPBackend talks to the remote settings store.
type HTTPBackend struct {
	url    string
	client *http.Client
}

// NewHTTPBackend creates a backend for the settings endpoint under baseURL.
func NewHTTPBackend(baseURL string, timeout time.Duration) *HTTPBackend {
	return &HTTPBackend{
		url:    strings.TrimRight(baseURL, "/") + settingsPath,
		client: &http.Client{Timeout: timeout},
	}
}

// Fetch implements Backend.
func (b *HTTPBackend) Fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return b.do(req, "fetch")
}

// Replace implements Backend. The store treats the body as a whole-document
// replacement and answers with its canonical copy.
func (b *HTTPBackend) Replace(ctx context.Context, doc []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return b.do(req, "replace")
}

func (b *HTTPBackend) do(req *http.Request, op string) ([]byte, error) {
	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return body, nil
}
