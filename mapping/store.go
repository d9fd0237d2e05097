// Package mapping owns the gesture→action mapping configuration: loading it
// from the settings store, editing a working copy, validating and saving it.
package mapping

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"go.aimuz.me/gesturekeys/action"
	"go.aimuz.me/gesturekeys/internal/observe"
	"go.aimuz.me/gesturekeys/internal/types"
	"go.aimuz.me/gesturekeys/settings"
)

// State is the published view of the store.
type State struct {
	// Committed is the last document loaded from or saved to the settings
	// store. Automatic dispatch resolves against it.
	Committed types.MappingConfig `json:"committed"`

	// Working is the copy edit operations apply to.
	Working types.MappingConfig `json:"working"`

	// Dirty is set while Working has edits that have not been saved.
	Dirty bool `json:"dirty"`

	// Loaded is set once a document has been loaded or saved.
	Loaded bool `json:"loaded"`
}

// Patch changes selected fields of a row. Nil fields are left as they are.
type Patch struct {
	Gesture    *string           `json:"gesture,omitempty"`
	Action     *string           `json:"action,omitempty"`
	ActionType *types.ActionType `json:"action_type,omitempty"`
	HoldMs     *int              `json:"hold_ms,omitempty"`
}

// Store is the single owner of the mapping configuration.
type Store struct {
	backend settings.Backend

	mu     sync.Mutex // guards rev and edits to state
	saveMu sync.Mutex // one save at a time
	rev    uint64     // bumped on every change to the working copy
	state  *observe.Value[State]
}

// NewStore creates a store backed by b. Nothing is loaded until Load.
func NewStore(b settings.Backend) *Store {
	empty := types.MappingConfig{Mappings: []types.GestureMapping{}}
	return &Store{
		backend: b,
		state:   observe.NewValue(State{Committed: empty, Working: empty.Clone()}),
	}
}

// State returns the current state.
func (s *Store) State() State {
	return s.state.Load()
}

// Committed returns the config automatic dispatch resolves against.
func (s *Store) Committed() types.MappingConfig {
	return s.state.Load().Committed
}

// Working returns a copy of the working config.
func (s *Store) Working() types.MappingConfig {
	return s.state.Load().Working.Clone()
}

// Dirty reports whether the working copy has unsaved edits.
func (s *Store) Dirty() bool {
	return s.state.Load().Dirty
}

// Row returns a copy of working row i.
func (s *Store) Row(i int) (types.GestureMapping, error) {
	w := s.state.Load().Working
	if i < 0 || i >= len(w.Mappings) {
		return types.GestureMapping{}, fmt.Errorf("%w: %d", ErrRowIndex, i)
	}
	return w.Mappings[i].Clone(), nil
}

// Subscribe registers fn for every state change.
func (s *Store) Subscribe(fn func(State)) (unsubscribe func()) {
	return s.state.Subscribe(fn)
}

// Load fetches the document from the settings store and makes it both the
// committed and the working copy. Pending edits are discarded.
func (s *Store) Load(ctx context.Context) (types.MappingConfig, error) {
	doc, err := s.backend.Fetch(ctx)
	if err != nil {
		if errors.Is(err, settings.ErrMalformed) {
			return types.MappingConfig{}, &ParseError{Reason: "unreadable document", Err: err}
		}
		return types.MappingConfig{}, &FetchError{Err: err}
	}

	cfg, err := Parse(doc)
	if err != nil {
		return types.MappingConfig{}, err
	}
	if verr := Validate(cfg); verr != nil {
		slog.Warn("loaded mappings need fixing before they can be saved", "error", verr)
	}

	s.mu.Lock()
	s.rev++
	s.state.Store(State{Committed: cfg, Working: cfg.Clone(), Loaded: true})
	s.mu.Unlock()

	slog.Info("mappings loaded", "count", len(cfg.Mappings))
	return cfg.Clone(), nil
}

// Save validates the working copy and replaces the remote document with it.
// On success the store's canonical copy becomes committed and is returned.
// Invalid configs are rejected with ValidationErrors before any network call.
// Until a document is loaded, an unedited working copy is only a placeholder
// and saving it fails with ErrNotLoaded.
func (s *Store) Save(ctx context.Context) (types.MappingConfig, error) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	rev := s.rev
	st := s.state.Load()
	cfg := st.Working.Clone()
	s.mu.Unlock()

	if !st.Loaded && !st.Dirty {
		return types.MappingConfig{}, ErrNotLoaded
	}

	return s.save(ctx, cfg, rev)
}

// SaveConfig replaces the working copy with cfg and saves it. An invalid
// cfg is rejected without touching the working copy.
func (s *Store) SaveConfig(ctx context.Context, cfg types.MappingConfig) (types.MappingConfig, error) {
	if err := Validate(cfg); err != nil {
		return types.MappingConfig{}, err
	}

	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	s.rev++
	rev := s.rev
	cfg = normalized(cfg)
	s.state.Update(func(st State) State {
		st.Working = cfg.Clone()
		st.Dirty = true
		return st
	})
	s.mu.Unlock()

	return s.save(ctx, cfg, rev)
}

func (s *Store) save(ctx context.Context, cfg types.MappingConfig, rev uint64) (types.MappingConfig, error) {
	if err := Validate(cfg); err != nil {
		return types.MappingConfig{}, err
	}

	doc, err := Marshal(cfg)
	if err != nil {
		return types.MappingConfig{}, &SaveError{Err: err}
	}

	resp, err := s.backend.Replace(ctx, doc)
	if err != nil {
		slog.Error("save mappings", "error", err)
		return types.MappingConfig{}, &SaveError{Err: err}
	}

	canonical, err := Parse(resp)
	if err != nil {
		return types.MappingConfig{}, &SaveError{Err: fmt.Errorf("server copy: %w", err)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Update(func(st State) State {
		st.Committed = canonical
		st.Loaded = true
		// Edits made while the save was in flight stay pending.
		if s.rev == rev {
			st.Working = canonical.Clone()
			st.Dirty = false
		}
		return st
	})

	slog.Info("mappings saved", "count", len(canonical.Mappings))
	return canonical.Clone(), nil
}

// Discard resets the working copy to the committed config.
func (s *Store) Discard() {
	s.edit(func(w *types.MappingConfig, committed types.MappingConfig) error {
		*w = committed.Clone()
		return nil
	})
}

// AddRow appends m to the working copy and returns its index. A missing
// action type defaults to key; a missing hold time to the default.
func (s *Store) AddRow(m types.GestureMapping) (int, error) {
	m = m.Clone()
	m.Gesture = action.NormalizeGesture(m.Gesture)
	if m.ActionType == "" {
		m.ActionType = types.ActionKey
	}
	if m.HoldMs == nil {
		m.HoldMs = types.HoldMs(types.DefaultHoldMs)
	}

	idx := -1
	err := s.edit(func(w *types.MappingConfig, _ types.MappingConfig) error {
		if j := indexOf(*w, m.Gesture, -1); j >= 0 {
			return fmt.Errorf("%w: %q already mapped at row %d", ErrDuplicateGesture, m.Gesture, j)
		}
		w.Mappings = append(w.Mappings, m)
		idx = len(w.Mappings) - 1
		return nil
	})
	return idx, err
}

// UpdateRow applies p to working row i.
func (s *Store) UpdateRow(i int, p Patch) (types.GestureMapping, error) {
	var updated types.GestureMapping
	err := s.edit(func(w *types.MappingConfig, _ types.MappingConfig) error {
		if i < 0 || i >= len(w.Mappings) {
			return fmt.Errorf("%w: %d", ErrRowIndex, i)
		}
		m := w.Mappings[i].Clone()
		if p.Gesture != nil {
			m.Gesture = action.NormalizeGesture(*p.Gesture)
			if j := indexOf(*w, m.Gesture, i); j >= 0 {
				return fmt.Errorf("%w: %q already mapped at row %d", ErrDuplicateGesture, m.Gesture, j)
			}
		}
		if p.Action != nil {
			m.Action = *p.Action
		}
		if p.ActionType != nil {
			m.ActionType = *p.ActionType
		}
		if p.HoldMs != nil {
			m.HoldMs = types.HoldMs(*p.HoldMs)
		}
		w.Mappings[i] = m
		updated = m.Clone()
		return nil
	})
	return updated, err
}

// RemoveRow deletes working row i.
func (s *Store) RemoveRow(i int) error {
	return s.edit(func(w *types.MappingConfig, _ types.MappingConfig) error {
		if i < 0 || i >= len(w.Mappings) {
			return fmt.Errorf("%w: %d", ErrRowIndex, i)
		}
		w.Mappings = slices.Delete(w.Mappings, i, i+1)
		return nil
	})
}

// edit runs fn on a copy of the working config and publishes the result
// only if fn succeeds.
func (s *Store) edit(fn func(w *types.MappingConfig, committed types.MappingConfig) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state.Load()
	w := st.Working.Clone()
	if err := fn(&w, st.Committed); err != nil {
		return err
	}

	s.rev++
	st.Working = w
	st.Dirty = !equalConfigs(w, st.Committed)
	s.state.Store(st)
	return nil
}

// indexOf returns the row holding gesture, ignoring row skip, or -1.
func indexOf(cfg types.MappingConfig, gesture string, skip int) int {
	for i, m := range cfg.Mappings {
		if i != skip && action.NormalizeGesture(m.Gesture) == gesture {
			return i
		}
	}
	return -1
}

func normalized(cfg types.MappingConfig) types.MappingConfig {
	out := cfg.Clone()
	for i := range out.Mappings {
		out.Mappings[i].Gesture = action.NormalizeGesture(out.Mappings[i].Gesture)
	}
	return out
}

func equalConfigs(a, b types.MappingConfig) bool {
	return slices.EqualFunc(a.Mappings, b.Mappings, func(x, y types.GestureMapping) bool {
		return x.Gesture == y.Gesture &&
			x.Action == y.Action &&
			x.ActionType == y.ActionType &&
			x.Hold() == y.Hold()
	})
}
