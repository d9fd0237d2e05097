package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"go.aimuz.me/gesturekeys/detection"
	"go.aimuz.me/gesturekeys/dispatch"
	"go.aimuz.me/gesturekeys/internal/types"
	"go.aimuz.me/gesturekeys/mapping"
	"go.aimuz.me/gesturekeys/settings"
	"go.aimuz.me/gesturekeys/stream"
)

// idleConn never delivers a message.
type idleConn struct{}

func (idleConn) Read(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (idleConn) Close() error { return nil }

type failingBackend struct{}

func (failingBackend) Fetch(context.Context) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (failingBackend) Replace(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("connection refused")
}

type fixture struct {
	srv   *httptest.Server
	api   *Server
	ctrl  *detection.Controller
	store *mapping.Store
	fired atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	f.store = mapping.NewStore(settings.NewFileBackend(filepath.Join(t.TempDir(), "mappings.json")))
	_, err := f.store.Load(context.Background())
	require.NoError(t, err)

	disp := dispatch.New(dispatch.ExecutorFunc(func(context.Context, types.GestureMapping) error {
		f.fired.Add(1)
		return nil
	}))
	client := stream.NewClient(stream.Config{
		URL: "ws://backend/ws/gestures",
		Dialer: stream.DialerFunc(func(context.Context, string) (stream.Conn, error) {
			return idleConn{}, nil
		}),
	})
	f.ctrl = detection.New(f.store, disp, client)
	f.api = New(f.store, f.ctrl)
	f.srv = httptest.NewServer(f.api.Handler())

	t.Cleanup(func() {
		f.api.Close()
		f.srv.Close()
		f.ctrl.Shutdown()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, buf.Bytes()
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	code, body := f.do(t, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestStatusRoutes(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, code)
	var st types.DetectionStatus
	require.NoError(t, json.Unmarshal(body, &st))
	assert.False(t, st.Enabled)
	assert.Equal(t, types.StateIdle, st.ConnectionState)

	code, body = f.do(t, http.MethodPost, "/api/status", `{"enabled":true}`)
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &st))
	assert.True(t, st.Enabled)

	code, _ = f.do(t, http.MethodPost, "/api/status", `{"enabled":"yes"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	f.ctrl.Shutdown()
	code, _ = f.do(t, http.MethodPost, "/api/status", `{"enabled":true}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestMappingRoutes(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodGet, "/api/mappings", "")
	require.Equal(t, http.StatusOK, code)
	var st mapping.State
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Len(t, st.Working.Mappings, 2)
	assert.False(t, st.Dirty)

	code, body = f.do(t, http.MethodPost, "/api/mappings/rows", `{"gesture":"fist","action":"escape"}`)
	require.Equal(t, http.StatusCreated, code, string(body))
	var row rowResponse
	require.NoError(t, json.Unmarshal(body, &row))
	assert.Equal(t, 2, row.Index)
	assert.Equal(t, types.ActionKey, row.Row.ActionType)

	code, _ = f.do(t, http.MethodPost, "/api/mappings/rows", `{"gesture":"fist","action":"a"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, body = f.do(t, http.MethodPatch, "/api/mappings/rows/2", `{"action":"ctrl+z","action_type":"shortcut"}`)
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &row))
	assert.Equal(t, "ctrl+z", row.Row.Action)

	code, _ = f.do(t, http.MethodPatch, "/api/mappings/rows/7", `{"action":"a"}`)
	assert.Equal(t, http.StatusNotFound, code)
	code, _ = f.do(t, http.MethodPatch, "/api/mappings/rows/x", `{"action":"a"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = f.do(t, http.MethodPost, "/api/mappings/save", "")
	require.Equal(t, http.StatusOK, code, string(body))
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Len(t, st.Committed.Mappings, 3)
	assert.False(t, st.Dirty)

	code, _ = f.do(t, http.MethodDelete, "/api/mappings/rows/0", "")
	assert.Equal(t, http.StatusNoContent, code)
	assert.True(t, f.store.Dirty())

	code, _ = f.do(t, http.MethodPost, "/api/mappings/discard", "")
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, f.store.Dirty())

	code, body = f.do(t, http.MethodPost, "/api/mappings/reload", "")
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Len(t, st.Committed.Mappings, 3)
}

func TestSaveInvalid(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/mappings/save",
		`{"mappings":[{"gesture":"","action":"ctrl","action_type":"shortcut","hold_ms":-1}]}`)
	require.Equal(t, http.StatusBadRequest, code)

	var resp struct {
		Error   string                   `json:"error"`
		Details mapping.ValidationErrors `json:"details"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Len(t, resp.Details, 3)
	assert.Len(t, f.store.Committed().Mappings, 2)
}

func TestValidate(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/mappings/validate", "")
	require.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `{"valid":true}`, string(body))

	code, body = f.do(t, http.MethodPost, "/api/mappings/validate",
		`{"mappings":[{"gesture":"a","action":"x","action_type":"chord"}]}`)
	require.Equal(t, http.StatusOK, code)
	var resp validateResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.False(t, resp.Valid)
	require.Len(t, resp.Errors, 1)
	assert.Equal(t, "action_type", resp.Errors[0].Field)
}

func TestTestFireRoute(t *testing.T) {
	f := newFixture(t)

	code, body := f.do(t, http.MethodPost, "/api/mappings/rows/0/test", "")
	require.Equal(t, http.StatusOK, code, string(body))
	var out types.OutcomeSummary
	require.NoError(t, json.Unmarshal(body, &out))
	assert.Equal(t, "fired", out.Kind)
	assert.True(t, out.Manual)
	assert.Equal(t, int32(1), f.fired.Load())

	code, _ = f.do(t, http.MethodPost, "/api/mappings/rows/5/test", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestReloadFailure(t *testing.T) {
	store := mapping.NewStore(failingBackend{})
	disp := dispatch.New(dispatch.LogExecutor{})
	ctrl := detection.New(store, disp, stream.NewClient(stream.Config{URL: "ws://unused"}))
	defer ctrl.Shutdown()
	srv := httptest.NewServer(New(store, ctrl).Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/mappings/reload", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

	resp, err = http.Post(srv.URL+"/api/mappings/save", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStatusStream(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/status"
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer conn.CloseNow()

	var st types.DetectionStatus
	require.NoError(t, wsjson.Read(ctx, conn, &st))
	assert.False(t, st.Enabled)

	_, err = f.ctrl.SetEnabled(ctx, true)
	require.NoError(t, err)

	for !st.Enabled {
		require.NoError(t, wsjson.Read(ctx, conn, &st))
	}
	assert.True(t, st.Enabled)
}
