// Package dispatch decides whether a recognized gesture should trigger its
// mapped keyboard action and, if so, executes it.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.aimuz.me/gesturekeys/action"
	"go.aimuz.me/gesturekeys/internal/types"
)

// Kind classifies a dispatch decision.
type Kind int

const (
	NoMapping Kind = iota
	Fired
	Suppressed
)

func (k Kind) String() string {
	switch k {
	case Fired:
		return "fired"
	case Suppressed:
		return "suppressed"
	default:
		return "no_mapping"
	}
}

// Reason explains a Suppressed outcome.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonTooSoon
	ReasonExecutionError
	ReasonLowConfidence
)

func (r Reason) String() string {
	switch r {
	case ReasonTooSoon:
		return "too_soon"
	case ReasonExecutionError:
		return "execution_error"
	case ReasonLowConfidence:
		return "low_confidence"
	default:
		return ""
	}
}

// Outcome is the result of one dispatch.
type Outcome struct {
	Kind    Kind
	Gesture string
	Mapping *types.GestureMapping // nil for NoMapping
	Reason  Reason
	Err     error // *ExecutionError when Reason is ReasonExecutionError
	At      time.Time
	Manual  bool
}

// Summary returns the display form of o.
func (o Outcome) Summary() types.OutcomeSummary {
	s := types.OutcomeSummary{
		Kind:    o.Kind.String(),
		Gesture: o.Gesture,
		Reason:  o.Reason.String(),
		At:      o.At,
		Manual:  o.Manual,
	}
	if o.Err != nil {
		s.Error = o.Err.Error()
	}
	return s
}

// ExecutionError reports a failed keyboard action.
type ExecutionError struct {
	Gesture string
	Action  string
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execute %q for gesture %q: %v", e.Action, e.Gesture, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithMinConfidence suppresses events below c. Zero disables the gate.
func WithMinConfidence(c float64) Option {
	return func(d *Dispatcher) { d.minConfidence = c }
}

// WithExecTimeout bounds each action execution. Zero means no bound beyond
// the caller's context.
func WithExecTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.execTimeout = timeout }
}

// Dispatcher turns gesture events into keyboard actions, enforcing each
// mapping's hold time as a minimum interval between firings.
type Dispatcher struct {
	exec          Executor
	now           func() time.Time
	minConfidence float64
	execTimeout   time.Duration

	mu   sync.Mutex
	keys map[string]*keyState
}

// keyState serializes dispatches for one gesture.
type keyState struct {
	mu        sync.Mutex
	lastFired time.Time
	fired     bool
}

// New creates a Dispatcher that runs actions through exec.
func New(exec Executor, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		exec:        exec,
		now:         time.Now,
		execTimeout: 2 * time.Second,
		keys:        make(map[string]*keyState),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch resolves ev against cfg and fires the mapped action unless it
// fired less than the mapping's hold time ago.
func (d *Dispatcher) Dispatch(ctx context.Context, ev types.GestureEvent, cfg types.MappingConfig) Outcome {
	label := action.NormalizeGesture(ev.Label)
	out := Outcome{Gesture: label, At: d.now()}

	m, ok := lookup(cfg, label)
	if !ok {
		out.Kind = NoMapping
		return out
	}
	out.Mapping = &m

	if d.minConfidence > 0 && ev.Confidence < d.minConfidence {
		out.Kind, out.Reason = Suppressed, ReasonLowConfidence
		return out
	}

	ks := d.key(label)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := d.now()
	out.At = now
	if ks.fired && now.Sub(ks.lastFired) < m.HoldDuration() {
		out.Kind, out.Reason = Suppressed, ReasonTooSoon
		return out
	}

	return d.fire(ctx, ks, out, now)
}

// TestFire executes m immediately, ignoring its hold time and the
// confidence gate. A successful test fire still counts as the last firing.
func (d *Dispatcher) TestFire(ctx context.Context, m types.GestureMapping) Outcome {
	m = m.Clone()
	label := action.NormalizeGesture(m.Gesture)
	out := Outcome{Gesture: label, Mapping: &m, Manual: true}

	ks := d.key(label)
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := d.now()
	out.At = now
	return d.fire(ctx, ks, out, now)
}

// fire runs the action with ks held.
func (d *Dispatcher) fire(ctx context.Context, ks *keyState, out Outcome, now time.Time) Outcome {
	m := *out.Mapping

	if d.execTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.execTimeout)
		defer cancel()
	}

	if err := d.exec.Execute(ctx, m); err != nil {
		slog.Warn("action failed", "gesture", out.Gesture, "action", m.Action, "error", err)
		out.Kind, out.Reason = Suppressed, ReasonExecutionError
		out.Err = &ExecutionError{Gesture: out.Gesture, Action: m.Action, Err: err}
		return out
	}

	ks.lastFired = now
	ks.fired = true
	slog.Info("gesture fired", "gesture", out.Gesture, "action", m.Action, "type", m.ActionType, "manual", out.Manual)
	out.Kind = Fired
	return out
}

// Retain drops timing state for gestures mapped in none of cfgs.
func (d *Dispatcher) Retain(cfgs ...types.MappingConfig) {
	keep := make(map[string]struct{})
	for _, cfg := range cfgs {
		for _, m := range cfg.Mappings {
			keep[action.NormalizeGesture(m.Gesture)] = struct{}{}
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for label := range d.keys {
		if _, ok := keep[label]; !ok {
			delete(d.keys, label)
		}
	}
}

// Reset discards all timing state.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	d.keys = make(map[string]*keyState)
	d.mu.Unlock()
}

// LastFired reports when gesture last fired, if it has.
func (d *Dispatcher) LastFired(gesture string) (time.Time, bool) {
	d.mu.Lock()
	ks, ok := d.keys[action.NormalizeGesture(gesture)]
	d.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}

	ks.mu.Lock()
	defer ks.mu.Unlock()
	return ks.lastFired, ks.fired
}

func (d *Dispatcher) key(label string) *keyState {
	d.mu.Lock()
	defer d.mu.Unlock()
	ks, ok := d.keys[label]
	if !ok {
		ks = &keyState{}
		d.keys[label] = ks
	}
	return ks
}

func lookup(cfg types.MappingConfig, label string) (types.GestureMapping, bool) {
	for _, m := range cfg.Mappings {
		if action.NormalizeGesture(m.Gesture) == label {
			return m.Clone(), true
		}
	}
	return types.GestureMapping{}, false
}
