// Package hotkey registers the global key chord that toggles detection.
package hotkey

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	hook "github.com/robotn/gohook"

	"go.aimuz.me/gesturekeys/action"
	"go.aimuz.me/gesturekeys/internal/types"
)

// DefaultChord toggles detection when no chord is configured.
const DefaultChord = "ctrl+shift+g"

// repeatGuard ignores key-repeat presses of a held chord.
const repeatGuard = 300 * time.Millisecond

// Manager listens for one global chord.
type Manager struct {
	keys     []string
	onToggle func()
	onStatus func(active bool)
	now      func() time.Time

	mu       sync.Mutex
	running  bool
	done     chan struct{}
	lastFire time.Time
}

// NewManager creates a manager for chord, e.g. "ctrl+shift+g". onToggle
// runs on its own goroutine for every press.
func NewManager(chord string, onToggle func()) (*Manager, error) {
	keys, err := ParseChord(chord)
	if err != nil {
		return nil, err
	}
	return &Manager{keys: keys, onToggle: onToggle, now: time.Now}, nil
}

// ParseChord splits a chord into gohook key names. An empty chord means
// DefaultChord.
func ParseChord(chord string) ([]string, error) {
	if chord == "" {
		chord = DefaultChord
	}
	a, err := action.Parse(types.ActionShortcut, chord)
	if err != nil {
		return nil, fmt.Errorf("parse hotkey %q: %w", chord, err)
	}
	return a.Steps, nil
}

// SetStatusCallback sets a callback reporting whether the hook is active.
func (m *Manager) SetStatusCallback(fn func(active bool)) {
	m.mu.Lock()
	m.onStatus = fn
	m.mu.Unlock()
}

// Keys returns the registered chord.
func (m *Manager) Keys() []string {
	return append([]string(nil), m.keys...)
}

// Start installs the global hook.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.done = make(chan struct{})
	onStatus := m.onStatus
	m.mu.Unlock()

	hook.Register(hook.KeyDown, m.keys, func(hook.Event) { m.trigger() })
	events := hook.Start()
	go func() {
		defer close(m.done)
		<-hook.Process(events)
	}()

	slog.Info("hotkey registered", "keys", m.keys)
	if onStatus != nil {
		onStatus(true)
	}
	return nil
}

// Stop removes the hook. It is safe to call when not started.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	done := m.done
	onStatus := m.onStatus
	m.mu.Unlock()

	hook.End()
	select {
	case <-done:
	case <-time.After(time.Second):
		slog.Warn("hotkey hook did not stop in time")
	}
	if onStatus != nil {
		onStatus(false)
	}
}

// trigger fires onToggle unless the chord fired within repeatGuard.
func (m *Manager) trigger() bool {
	m.mu.Lock()
	now := m.now()
	if !m.lastFire.IsZero() && now.Sub(m.lastFire) < repeatGuard {
		m.mu.Unlock()
		return false
	}
	m.lastFire = now
	m.mu.Unlock()

	slog.Debug("hotkey pressed", "keys", m.keys)
	go m.onToggle()
	return true
}
