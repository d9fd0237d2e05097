// Package detection switches live gesture detection on and off and routes
// stream events to the dispatcher.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.aimuz.me/gesturekeys/dispatch"
	"go.aimuz.me/gesturekeys/internal/observe"
	"go.aimuz.me/gesturekeys/internal/types"
	"go.aimuz.me/gesturekeys/mapping"
	"go.aimuz.me/gesturekeys/stream"
)

// ErrShutdown is returned by operations on a controller that was shut down.
var ErrShutdown = errors.New("detection: controller shut down")

// Mappings is the view of the mapping store the controller needs.
type Mappings interface {
	Committed() types.MappingConfig
	Row(i int) (types.GestureMapping, error)
	Subscribe(fn func(mapping.State)) (unsubscribe func())
}

// Remote is the backend's own detection switch.
type Remote interface {
	Get(ctx context.Context) (types.RemoteStatus, error)
	Set(ctx context.Context, enabled bool) (types.RemoteStatus, error)
}

// Option configures a Controller.
type Option func(*Controller)

// WithRemote keeps the backend's detection flag in step with the
// controller's.
func WithRemote(r Remote) Option {
	return func(c *Controller) { c.remote = r }
}

// Controller owns the enabled flag, the stream subscription and the shared
// DetectionStatus.
type Controller struct {
	store  Mappings
	disp   *dispatch.Dispatcher
	client *stream.Client
	remote Remote
	status *observe.Value[types.DetectionStatus]

	mu        sync.Mutex // serializes enable, disable and shutdown
	sub       *stream.Subscription
	runCancel context.CancelFunc
	closed    bool

	// gate is held while an event is dispatched. Disabling takes it to
	// bump gen, so no event from an old subscription dispatches after
	// SetEnabled(false) returns.
	gate    sync.Mutex
	enabled bool
	gen     uint64

	unsubscribe func()
}

// New creates a Controller. Detection starts disabled.
func New(store Mappings, disp *dispatch.Dispatcher, client *stream.Client, opts ...Option) *Controller {
	c := &Controller{
		store:  store,
		disp:   disp,
		client: client,
		status: observe.NewValue(types.DetectionStatus{ConnectionState: types.StateIdle}),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.unsubscribe = store.Subscribe(func(st mapping.State) {
		// Test fires of rows not saved yet keep their cooldown.
		disp.Retain(st.Committed, st.Working)
	})
	return c
}

// Status returns the current detection status.
func (c *Controller) Status() types.DetectionStatus {
	return c.status.Load()
}

// Subscribe registers fn for every status change. fn runs on the goroutine
// that caused the change and must not block.
func (c *Controller) Subscribe(fn func(types.DetectionStatus)) (unsubscribe func()) {
	return c.status.Subscribe(fn)
}

// SetEnabled turns detection on or off. With a remote configured, the
// backend is switched first; if that fails nothing changes locally.
func (c *Controller) SetEnabled(ctx context.Context, enabled bool) (types.DetectionStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.Status(), ErrShutdown
	}
	if c.isEnabled() == enabled {
		return c.Status(), nil
	}

	if c.remote != nil {
		if _, err := c.remote.Set(ctx, enabled); err != nil {
			slog.Error("switch backend detection", "enabled", enabled, "error", err)
			return c.Status(), fmt.Errorf("set detection enabled=%t: %w", enabled, err)
		}
	}

	c.apply(enabled)
	return c.Status(), nil
}

// Sync adopts the backend's enabled flag and latest gesture. It is a no-op
// without a remote.
func (c *Controller) Sync(ctx context.Context) error {
	if c.remote == nil {
		return nil
	}
	st, err := c.remote.Get(ctx)
	if err != nil {
		return fmt.Errorf("sync detection status: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrShutdown
	}

	if st.Latest != nil {
		latest := *st.Latest
		c.status.Update(func(s types.DetectionStatus) types.DetectionStatus {
			s.Latest = &latest
			return s
		})
	}
	if st.Enabled != c.isEnabled() {
		c.apply(st.Enabled)
	}
	return nil
}

// TestFire fires working-copy row index immediately, bypassing its hold
// time. It works whether or not detection is enabled.
func (c *Controller) TestFire(ctx context.Context, index int) (dispatch.Outcome, error) {
	m, err := c.store.Row(index)
	if err != nil {
		return dispatch.Outcome{}, err
	}
	return c.TestFireMapping(ctx, m)
}

// TestFireMapping validates m and fires it immediately.
func (c *Controller) TestFireMapping(ctx context.Context, m types.GestureMapping) (dispatch.Outcome, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return dispatch.Outcome{}, ErrShutdown
	}

	if err := mapping.ValidateMapping(m); err != nil {
		return dispatch.Outcome{}, err
	}

	out := c.disp.TestFire(ctx, m)
	c.publishOutcome(out)
	return out, nil
}

// Shutdown stops detection for good. It is safe to call more than once.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true

	if c.isEnabled() {
		c.apply(false)
	}
	c.unsubscribe()
	c.disp.Reset()

	c.status.Update(func(s types.DetectionStatus) types.DetectionStatus {
		s.Enabled = false
		s.ConnectionState = types.StateStopped
		return s
	})
	slog.Info("detection shut down")
}

func (c *Controller) isEnabled() bool {
	c.gate.Lock()
	defer c.gate.Unlock()
	return c.enabled
}

// apply starts or stops the subscription. c.mu must be held.
func (c *Controller) apply(enabled bool) {
	if enabled {
		c.start()
	} else {
		c.stop()
	}
}

func (c *Controller) start() {
	runCtx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel

	c.gate.Lock()
	c.enabled = true
	c.gen++
	gen := c.gen
	c.gate.Unlock()

	c.status.Update(func(s types.DetectionStatus) types.DetectionStatus {
		s.Enabled = true
		return s
	})

	c.sub = c.client.Start(
		func(ev types.GestureEvent) { c.onEvent(runCtx, gen, ev) },
		func(st types.ConnectionState) { c.onState(gen, st) },
	)
	slog.Info("detection enabled", "subscription", c.sub.ID(), "url", c.client.URL())
}

func (c *Controller) stop() {
	// Abort any action in flight before waiting on the gate.
	c.runCancel()
	c.runCancel = nil

	c.gate.Lock()
	c.enabled = false
	c.gen++
	c.gate.Unlock()

	sub := c.sub
	c.sub = nil
	sub.Cancel()

	c.status.Update(func(s types.DetectionStatus) types.DetectionStatus {
		s.Enabled = false
		s.ConnectionState = types.StateStopped
		return s
	})
	slog.Info("detection disabled", "subscription", sub.ID())
}

func (c *Controller) onEvent(ctx context.Context, gen uint64, ev types.GestureEvent) {
	c.gate.Lock()
	defer c.gate.Unlock()

	if !c.enabled || c.gen != gen {
		return
	}

	c.status.Update(func(s types.DetectionStatus) types.DetectionStatus {
		s.Latest = &ev
		return s
	})

	out := c.disp.Dispatch(ctx, ev, c.store.Committed())
	if out.Kind == dispatch.NoMapping {
		slog.Debug("unmapped gesture", "gesture", out.Gesture)
	}
	c.publishOutcome(out)
}

func (c *Controller) onState(gen uint64, st types.ConnectionState) {
	c.gate.Lock()
	defer c.gate.Unlock()

	if !c.enabled || c.gen != gen {
		return
	}
	c.status.Update(func(s types.DetectionStatus) types.DetectionStatus {
		s.ConnectionState = st
		return s
	})
}

func (c *Controller) publishOutcome(out dispatch.Outcome) {
	summary := out.Summary()
	c.status.Update(func(s types.DetectionStatus) types.DetectionStatus {
		s.LastOutcome = &summary
		return s
	})
}
