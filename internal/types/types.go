// Package types provides shared type definitions for the application.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ActionType is the kind of keyboard action a gesture triggers.
type ActionType string

const (
	ActionKey      ActionType = "key"
	ActionShortcut ActionType = "shortcut"
	ActionMacro    ActionType = "macro"
)

// DefaultHoldMs is the hold time applied when a mapping does not set one.
const DefaultHoldMs = 50

// Valid reports whether t is one of the known action types.
func (t ActionType) Valid() bool {
	switch t {
	case ActionKey, ActionShortcut, ActionMacro:
		return true
	}
	return false
}

// DisplayName returns the label shown to users.
func (t ActionType) DisplayName() string {
	switch t {
	case ActionKey:
		return "Key"
	case ActionShortcut:
		return "Shortcut"
	case ActionMacro:
		return "Macro"
	default:
		return string(t)
	}
}

// GestureMapping binds a gesture label to a keyboard action.
type GestureMapping struct {
	Gesture    string     `json:"gesture" yaml:"gesture"`
	Action     string     `json:"action" yaml:"action"`
	ActionType ActionType `json:"action_type" yaml:"action_type"`
	HoldMs     *int       `json:"hold_ms,omitempty" yaml:"hold_ms,omitempty"`
}

// Hold returns the effective hold time in milliseconds.
func (m GestureMapping) Hold() int {
	if m.HoldMs == nil {
		return DefaultHoldMs
	}
	return *m.HoldMs
}

// HoldDuration returns the minimum interval between automatic firings.
func (m GestureMapping) HoldDuration() time.Duration {
	return time.Duration(m.Hold()) * time.Millisecond
}

// Clone returns a copy that shares no memory with m.
func (m GestureMapping) Clone() GestureMapping {
	if m.HoldMs != nil {
		v := *m.HoldMs
		m.HoldMs = &v
	}
	return m
}

// HoldMs returns a pointer to v, for building mappings in code.
func HoldMs(v int) *int {
	return &v
}

// MappingConfig is the ordered set of gesture mappings.
// Order only matters for display; lookups are by gesture.
type MappingConfig struct {
	Mappings []GestureMapping `json:"mappings" yaml:"mappings"`
}

// Index returns the mappings keyed by gesture.
func (c MappingConfig) Index() map[string]GestureMapping {
	idx := make(map[string]GestureMapping, len(c.Mappings))
	for _, m := range c.Mappings {
		idx[m.Gesture] = m
	}
	return idx
}

// Clone deep-copies the config.
func (c MappingConfig) Clone() MappingConfig {
	out := MappingConfig{Mappings: make([]GestureMapping, len(c.Mappings))}
	for i, m := range c.Mappings {
		out.Mappings[i] = m.Clone()
	}
	return out
}

// DefaultMappingConfig is the document seeded into an empty local store.
func DefaultMappingConfig() MappingConfig {
	return MappingConfig{Mappings: []GestureMapping{
		{Gesture: "open_hand", Action: "space", ActionType: ActionKey, HoldMs: HoldMs(DefaultHoldMs)},
		{Gesture: "pinch", Action: "ctrl+c", ActionType: ActionShortcut, HoldMs: HoldMs(DefaultHoldMs)},
	}}
}

// ─────────────────────────────────────────────────────────────────────────────
// Live Detection Types
// ─────────────────────────────────────────────────────────────────────────────

// GestureEvent is a single recognition result pushed by the vision backend.
type GestureEvent struct {
	Label      string    `json:"label"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// zone-less ISO 8601 as produced by Python's datetime.isoformat().
const naiveISOLayout = "2006-01-02T15:04:05.999999999"

// UnmarshalJSON accepts RFC 3339 timestamps and zone-less ISO timestamps,
// the latter interpreted as UTC.
func (e *GestureEvent) UnmarshalJSON(data []byte) error {
	var raw struct {
		Label      string   `json:"label"`
		Confidence *float64 `json:"confidence"`
		Timestamp  string   `json:"timestamp"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw.Confidence == nil {
		return fmt.Errorf("missing confidence")
	}

	e.Label = raw.Label
	e.Confidence = *raw.Confidence
	e.Timestamp = time.Time{}

	ts := strings.TrimSpace(raw.Timestamp)
	if ts == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		e.Timestamp = t
		return nil
	}
	t, err := time.ParseInLocation(naiveISOLayout, ts, time.UTC)
	if err != nil {
		return fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	e.Timestamp = t
	return nil
}

// Validate checks the event carries a label and a confidence in [0,1].
func (e GestureEvent) Validate() error {
	if strings.TrimSpace(e.Label) == "" {
		return fmt.Errorf("label cannot be empty")
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("confidence must be between 0 and 1, got %f", e.Confidence)
	}
	return nil
}

// ConnectionState is the lifecycle state of the gesture stream subscription.
type ConnectionState int

const (
	StateIdle ConnectionState = iota
	StateConnecting
	StateLive
	StateReconnecting
	StateStopped
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *ConnectionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StateIdle
	case "connecting":
		*s = StateConnecting
	case "live":
		*s = StateLive
	case "reconnecting":
		*s = StateReconnecting
	case "stopped":
		*s = StateStopped
	default:
		return fmt.Errorf("unknown connection state %q", string(b))
	}
	return nil
}

// OutcomeSummary is the display copy of the most recent dispatch decision.
type OutcomeSummary struct {
	Kind    string    `json:"kind"` // "fired", "suppressed", "no_mapping"
	Gesture string    `json:"gesture"`
	Reason  string    `json:"reason,omitempty"`
	Error   string    `json:"error,omitempty"`
	At      time.Time `json:"at"`
	Manual  bool      `json:"manual,omitempty"` // Test fire rather than stream
}

// DetectionStatus is the single shared view of the detection engine.
type DetectionStatus struct {
	Enabled         bool            `json:"enabled"`
	Latest          *GestureEvent   `json:"latest,omitempty"`
	ConnectionState ConnectionState `json:"connection_state"`
	LastOutcome     *OutcomeSummary `json:"last_outcome,omitempty"`
}

// RemoteStatus is the body of the backend's gesture status endpoint.
type RemoteStatus struct {
	Enabled bool          `json:"enabled"`
	Latest  *GestureEvent `json:"latest,omitempty"`
}

// GestureToggle is the request body that switches backend detection.
type GestureToggle struct {
	Enabled bool `json:"enabled"`
}
