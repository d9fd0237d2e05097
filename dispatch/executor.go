package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"go.aimuz.me/gesturekeys/action"
	"go.aimuz.me/gesturekeys/internal/types"
)

// Executor performs the keyboard action of a mapping.
type Executor interface {
	Execute(ctx context.Context, m types.GestureMapping) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, m types.GestureMapping) error

func (f ExecutorFunc) Execute(ctx context.Context, m types.GestureMapping) error {
	return f(ctx, m)
}

// HTTPExecutor asks the backend to press keys on the user's behalf.
type HTTPExecutor struct {
	url  string
	http *http.Client
}

// NewHTTPExecutor creates an executor for the backend at baseURL.
func NewHTTPExecutor(baseURL string, timeout time.Duration) *HTTPExecutor {
	return &HTTPExecutor{
		url:  strings.TrimRight(baseURL, "/") + "/api/keyboard/press",
		http: &http.Client{Timeout: timeout},
	}
}

// Execute posts the mapping, with its action in canonical form.
func (e *HTTPExecutor) Execute(ctx context.Context, m types.GestureMapping) error {
	m = m.Clone()
	m.Action = action.Canonical(m)

	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("press keys: status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// LogExecutor only logs the actions it would perform.
type LogExecutor struct{}

func (LogExecutor) Execute(ctx context.Context, m types.GestureMapping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	slog.Info("dry run", "gesture", m.Gesture, "action", action.Canonical(m), "type", m.ActionType)
	return nil
}
