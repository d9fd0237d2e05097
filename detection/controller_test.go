package detection

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.aimuz.me/gesturekeys/dispatch"
	"go.aimuz.me/gesturekeys/internal/types"
	"go.aimuz.me/gesturekeys/mapping"
	"go.aimuz.me/gesturekeys/settings"
	"go.aimuz.me/gesturekeys/stream"
)

// pipe is a gesture stream the test writes into.
type pipe struct {
	msgs   chan []byte
	once   sync.Once
	closed chan struct{}
}

func newPipe() *pipe {
	return &pipe{msgs: make(chan []byte, 16), closed: make(chan struct{})}
}

func (p *pipe) send(msg string) { p.msgs <- []byte(msg) }

func (p *pipe) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.closed:
		return nil, errors.New("closed")
	case m := <-p.msgs:
		return m, nil
	}
}

func (p *pipe) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}

type fakeRemote struct {
	mu      sync.Mutex
	enabled bool
	latest  *types.GestureEvent
	err     error
	sets    int
}

func (r *fakeRemote) Get(context.Context) (types.RemoteStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return types.RemoteStatus{}, r.err
	}
	return types.RemoteStatus{Enabled: r.enabled, Latest: r.latest}, nil
}

func (r *fakeRemote) Set(_ context.Context, enabled bool) (types.RemoteStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets++
	if r.err != nil {
		return types.RemoteStatus{}, r.err
	}
	r.enabled = enabled
	return types.RemoteStatus{Enabled: enabled}, nil
}

type harness struct {
	ctrl  *Controller
	store *mapping.Store
	disp  *dispatch.Dispatcher
	pipe  *pipe
	dials atomic.Int32
}

func newHarness(t *testing.T, exec dispatch.Executor, opts ...Option) *harness {
	t.Helper()
	h := &harness{pipe: newPipe()}

	h.store = mapping.NewStore(settings.NewFileBackend(filepath.Join(t.TempDir(), "mappings.json")))
	_, err := h.store.Load(context.Background())
	require.NoError(t, err)

	h.disp = dispatch.New(exec, dispatch.WithExecTimeout(5*time.Second))
	client := stream.NewClient(stream.Config{
		URL: "ws://backend/ws/gestures",
		Dialer: stream.DialerFunc(func(context.Context, string) (stream.Conn, error) {
			h.dials.Add(1)
			return h.pipe, nil
		}),
	})
	h.ctrl = New(h.store, h.disp, client, opts...)
	t.Cleanup(h.ctrl.Shutdown)
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(time.Millisecond)
	}
}

type countingExec struct {
	n atomic.Int32
}

func (e *countingExec) Execute(context.Context, types.GestureMapping) error {
	e.n.Add(1)
	return nil
}

func TestController_DispatchesWhileEnabled(t *testing.T) {
	exec := &countingExec{}
	h := newHarness(t, exec)
	ctx := context.Background()

	assert.Equal(t, types.StateIdle, h.ctrl.Status().ConnectionState)

	st, err := h.ctrl.SetEnabled(ctx, true)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	waitFor(t, func() bool { return h.ctrl.Status().ConnectionState == types.StateLive })

	h.pipe.send(`{"label":"open_hand","confidence":0.9}`)
	waitFor(t, func() bool { return exec.n.Load() == 1 })
	waitFor(t, func() bool { return h.ctrl.Status().LastOutcome != nil })

	status := h.ctrl.Status()
	require.NotNil(t, status.Latest)
	assert.Equal(t, "open_hand", status.Latest.Label)
	assert.Equal(t, "fired", status.LastOutcome.Kind)

	h.pipe.send(`{"label":"wave","confidence":0.9}`)
	waitFor(t, func() bool { return h.ctrl.Status().Latest.Label == "wave" })
	waitFor(t, func() bool { return h.ctrl.Status().LastOutcome.Kind == "no_mapping" })
	assert.Equal(t, int32(1), exec.n.Load())
}

func TestController_NoDispatchAfterDisable(t *testing.T) {
	started := make(chan struct{})
	var aborted atomic.Bool
	var calls atomic.Int32
	exec := dispatch.ExecutorFunc(func(ctx context.Context, _ types.GestureMapping) error {
		if calls.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			aborted.Store(true)
			return ctx.Err()
		}
		return nil
	})
	h := newHarness(t, exec)
	ctx := context.Background()

	_, err := h.ctrl.SetEnabled(ctx, true)
	require.NoError(t, err)
	h.pipe.send(`{"label":"pinch","confidence":1}`)
	<-started

	st, err := h.ctrl.SetEnabled(ctx, false)
	require.NoError(t, err)
	assert.False(t, st.Enabled)
	assert.Equal(t, types.StateStopped, st.ConnectionState)
	assert.True(t, aborted.Load(), "in-flight action is cancelled before disable returns")

	// Anything still queued on the old stream is never dispatched.
	h.pipe.send(`{"label":"open_hand","confidence":1}`)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestController_ReEnable(t *testing.T) {
	exec := &countingExec{}
	h := newHarness(t, exec)
	ctx := context.Background()

	for range 3 {
		_, err := h.ctrl.SetEnabled(ctx, true)
		require.NoError(t, err)
		_, err = h.ctrl.SetEnabled(ctx, true)
		require.NoError(t, err)
		_, err = h.ctrl.SetEnabled(ctx, false)
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, h.dials.Load(), int32(3), "each enable opens its own subscription")
	assert.False(t, h.ctrl.Status().Enabled)
}

func TestController_RemoteFailureLeavesStateAlone(t *testing.T) {
	remote := &fakeRemote{err: errors.New("backend down")}
	h := newHarness(t, &countingExec{}, WithRemote(remote))

	st, err := h.ctrl.SetEnabled(context.Background(), true)
	require.Error(t, err)
	assert.False(t, st.Enabled)
	assert.Equal(t, types.StateIdle, st.ConnectionState)
	assert.Zero(t, h.dials.Load())

	remote.mu.Lock()
	remote.err = nil
	remote.mu.Unlock()

	st, err = h.ctrl.SetEnabled(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, st.Enabled)
	assert.True(t, remote.enabled)
}

func TestController_Sync(t *testing.T) {
	remote := &fakeRemote{enabled: true, latest: &types.GestureEvent{Label: "fist", Confidence: 0.7}}
	h := newHarness(t, &countingExec{}, WithRemote(remote))

	require.NoError(t, h.ctrl.Sync(context.Background()))
	st := h.ctrl.Status()
	assert.True(t, st.Enabled)
	require.NotNil(t, st.Latest)
	assert.Equal(t, "fist", st.Latest.Label)
	assert.Zero(t, remote.sets, "sync only reads the backend flag")
}

func TestController_TestFire(t *testing.T) {
	exec := &countingExec{}
	h := newHarness(t, exec)
	ctx := context.Background()

	out, err := h.ctrl.TestFire(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, dispatch.Fired, out.Kind)
	assert.True(t, out.Manual)
	assert.Equal(t, int32(1), exec.n.Load())
	require.NotNil(t, h.ctrl.Status().LastOutcome)
	assert.True(t, h.ctrl.Status().LastOutcome.Manual)

	_, err = h.ctrl.TestFire(ctx, 9)
	assert.ErrorIs(t, err, mapping.ErrRowIndex)

	// Working-copy rows are validated before firing.
	bad := "ctrl+"
	_, err = h.store.UpdateRow(1, mapping.Patch{Action: &bad})
	require.NoError(t, err)
	_, err = h.ctrl.TestFire(ctx, 1)
	var verrs mapping.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
	assert.Equal(t, int32(1), exec.n.Load())
}

func TestController_RetainsOnCommit(t *testing.T) {
	h := newHarness(t, &countingExec{})
	ctx := context.Background()

	_, err := h.ctrl.TestFire(ctx, 0)
	require.NoError(t, err)
	_, ok := h.disp.LastFired("open_hand")
	require.True(t, ok)

	require.NoError(t, h.store.RemoveRow(0))
	_, ok = h.disp.LastFired("open_hand")
	assert.True(t, ok, "uncommitted edits keep timing state")

	_, err = h.store.Save(ctx)
	require.NoError(t, err)
	_, ok = h.disp.LastFired("open_hand")
	assert.False(t, ok)
}

func TestController_TestFireUnsavedRowKeepsTiming(t *testing.T) {
	h := newHarness(t, &countingExec{})
	ctx := context.Background()

	idx, err := h.store.AddRow(types.GestureMapping{Gesture: "fist", Action: "escape"})
	require.NoError(t, err)
	_, err = h.ctrl.TestFire(ctx, idx)
	require.NoError(t, err)

	hold := 500
	_, err = h.store.UpdateRow(idx, mapping.Patch{HoldMs: &hold})
	require.NoError(t, err)
	_, ok := h.disp.LastFired("fist")
	assert.True(t, ok, "edits to the working copy keep test fire timing")

	_, err = h.store.Save(ctx)
	require.NoError(t, err)
	_, ok = h.disp.LastFired("fist")
	assert.True(t, ok)
}

func TestController_Shutdown(t *testing.T) {
	h := newHarness(t, &countingExec{})
	ctx := context.Background()

	_, err := h.ctrl.SetEnabled(ctx, true)
	require.NoError(t, err)

	var got []types.DetectionStatus
	var mu sync.Mutex
	h.ctrl.Subscribe(func(st types.DetectionStatus) {
		mu.Lock()
		got = append(got, st)
		mu.Unlock()
	})

	h.ctrl.Shutdown()
	h.ctrl.Shutdown()

	st := h.ctrl.Status()
	assert.False(t, st.Enabled)
	assert.Equal(t, types.StateStopped, st.ConnectionState)

	_, err = h.ctrl.SetEnabled(ctx, true)
	assert.ErrorIs(t, err, ErrShutdown)
	_, err = h.ctrl.TestFire(ctx, 0)
	assert.ErrorIs(t, err, ErrShutdown)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, got)
	assert.Equal(t, types.StateStopped, got[len(got)-1].ConnectionState)
}
