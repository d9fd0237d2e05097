// Package action parses and normalizes the action strings bound to gestures.
//
// Supported formats:
//   - Key: a single key name, e.g. "space", "a", "f5"
//   - Shortcut: keys pressed together, joined by '+', e.g. "ctrl+c", "ctrl+shift+p"
//   - Macro: keys pressed in order, joined by ',', e.g. "h,e,l,l,o"
package action

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"go.aimuz.me/gesturekeys/internal/types"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Parse errors
var (
	ErrEmptyAction       = errors.New("empty action")
	ErrInvalidAction     = errors.New("invalid action")
	ErrUnknownActionType = errors.New("unknown action type")
)

const (
	chordSep = "+"
	macroSep = ","
)

// Action is a parsed action string.
type Action struct {
	Type  types.ActionType
	Steps []string
}

// String renders the canonical form of the action.
func (a Action) String() string {
	switch a.Type {
	case types.ActionShortcut:
		return strings.Join(a.Steps, chordSep)
	case types.ActionMacro:
		return strings.Join(a.Steps, macroSep)
	default:
		if len(a.Steps) == 0 {
			return ""
		}
		return a.Steps[0]
	}
}

// Parse validates input against the syntax required by t.
func Parse(t types.ActionType, input string) (Action, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Action{}, ErrEmptyAction
	}

	switch t {
	case types.ActionKey:
		tok, err := parseKey(input)
		if err != nil {
			return Action{}, err
		}
		return Action{Type: t, Steps: []string{tok}}, nil

	case types.ActionShortcut:
		parts := strings.Split(input, chordSep)
		if len(parts) < 2 {
			return Action{}, fmt.Errorf("%w: shortcut %q needs keys joined by %q", ErrInvalidAction, input, chordSep)
		}
		steps, err := parseParts(parts, macroSep)
		if err != nil {
			return Action{}, fmt.Errorf("shortcut %q: %w", input, err)
		}
		return Action{Type: t, Steps: steps}, nil

	case types.ActionMacro:
		parts := strings.Split(input, macroSep)
		steps, err := parseParts(parts, chordSep)
		if err != nil {
			return Action{}, fmt.Errorf("macro %q: %w", input, err)
		}
		return Action{Type: t, Steps: steps}, nil

	default:
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownActionType, string(t))
	}
}

// Canonical returns the normalized action string for m, or m.Action
// unchanged when it does not parse.
func Canonical(m types.GestureMapping) string {
	a, err := Parse(m.ActionType, m.Action)
	if err != nil {
		return m.Action
	}
	return a.String()
}

// NormalizeGesture trims and NFC-normalizes a gesture label so labels typed
// by users and labels emitted by the recognizer compare equal.
func NormalizeGesture(label string) string {
	return norm.NFC.String(strings.TrimSpace(label))
}

// parseKey accepts a single key token. The separator characters are valid
// keys on their own.
func parseKey(input string) (string, error) {
	if input == chordSep || input == macroSep {
		return input, nil
	}
	if strings.Contains(input, chordSep) || strings.Contains(input, macroSep) {
		return "", fmt.Errorf("%w: key %q must be a single key", ErrInvalidAction, input)
	}
	return token(input)
}

func parseParts(parts []string, forbidden string) ([]string, error) {
	steps := make([]string, 0, len(parts))
	for i, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			return nil, fmt.Errorf("%w: empty key at position %d", ErrInvalidAction, i+1)
		}
		if strings.Contains(p, forbidden) {
			return nil, fmt.Errorf("%w: unexpected %q in %q", ErrInvalidAction, forbidden, p)
		}
		tok, err := token(p)
		if err != nil {
			return nil, err
		}
		steps = append(steps, tok)
	}
	return steps, nil
}

// token folds case so "Ctrl" and "ctrl" name the same key.
func token(s string) (string, error) {
	if strings.IndexFunc(s, unicode.IsSpace) >= 0 {
		return "", fmt.Errorf("%w: key %q contains whitespace", ErrInvalidAction, s)
	}
	return cases.Fold().String(norm.NFC.String(s)), nil
}
