package action

import (
	"errors"
	"testing"

	"go.aimuz.me/gesturekeys/internal/types"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		typ       types.ActionType
		input     string
		wantSteps []string
		wantStr   string
		wantErr   error
	}{
		{name: "key", typ: types.ActionKey, input: "space", wantSteps: []string{"space"}, wantStr: "space"},
		{name: "key folds case", typ: types.ActionKey, input: " Enter ", wantSteps: []string{"enter"}, wantStr: "enter"},
		{name: "key literal plus", typ: types.ActionKey, input: "+", wantSteps: []string{"+"}, wantStr: "+"},
		{name: "key with chord", typ: types.ActionKey, input: "ctrl+c", wantErr: ErrInvalidAction},
		{name: "key with list", typ: types.ActionKey, input: "a,b", wantErr: ErrInvalidAction},
		{name: "key with space", typ: types.ActionKey, input: "page down", wantErr: ErrInvalidAction},
		{name: "empty", typ: types.ActionKey, input: "   ", wantErr: ErrEmptyAction},

		{name: "shortcut", typ: types.ActionShortcut, input: "Ctrl + C", wantSteps: []string{"ctrl", "c"}, wantStr: "ctrl+c"},
		{name: "shortcut three keys", typ: types.ActionShortcut, input: "ctrl+shift+p", wantSteps: []string{"ctrl", "shift", "p"}, wantStr: "ctrl+shift+p"},
		{name: "shortcut single key", typ: types.ActionShortcut, input: "c", wantErr: ErrInvalidAction},
		{name: "shortcut dangling plus", typ: types.ActionShortcut, input: "ctrl+", wantErr: ErrInvalidAction},
		{name: "shortcut with comma", typ: types.ActionShortcut, input: "ctrl+a,b", wantErr: ErrInvalidAction},

		{name: "macro", typ: types.ActionMacro, input: "a, b ,c", wantSteps: []string{"a", "b", "c"}, wantStr: "a,b,c"},
		{name: "macro single step", typ: types.ActionMacro, input: "x", wantSteps: []string{"x"}, wantStr: "x"},
		{name: "macro trailing comma", typ: types.ActionMacro, input: "a,b,", wantErr: ErrInvalidAction},
		{name: "macro with chord", typ: types.ActionMacro, input: "a,ctrl+c", wantErr: ErrInvalidAction},

		{name: "unknown type", typ: types.ActionType("chord"), input: "a", wantErr: ErrUnknownActionType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.typ, tt.input)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Parse() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse() unexpected error: %v", err)
			}
			if len(got.Steps) != len(tt.wantSteps) {
				t.Fatalf("Steps = %v, want %v", got.Steps, tt.wantSteps)
			}
			for i := range got.Steps {
				if got.Steps[i] != tt.wantSteps[i] {
					t.Errorf("Steps[%d] = %q, want %q", i, got.Steps[i], tt.wantSteps[i])
				}
			}
			if got.String() != tt.wantStr {
				t.Errorf("String() = %q, want %q", got.String(), tt.wantStr)
			}
		})
	}
}

func TestCanonical(t *testing.T) {
	m := types.GestureMapping{Gesture: "pinch", Action: "Ctrl + C", ActionType: types.ActionShortcut}
	if got := Canonical(m); got != "ctrl+c" {
		t.Errorf("Canonical() = %q, want %q", got, "ctrl+c")
	}

	bad := types.GestureMapping{Gesture: "pinch", Action: "ctrl+", ActionType: types.ActionShortcut}
	if got := Canonical(bad); got != "ctrl+" {
		t.Errorf("Canonical() of invalid action = %q, want input unchanged", got)
	}
}

func TestNormalizeGesture(t *testing.T) {
	// "é" as e + combining acute vs precomposed.
	decomposed := "cafe\u0301"
	precomposed := "caf\u00e9"
	if NormalizeGesture(" "+decomposed+" ") != precomposed {
		t.Errorf("NormalizeGesture did not compose %q", decomposed)
	}
	if NormalizeGesture("open_hand") != "open_hand" {
		t.Errorf("NormalizeGesture changed an ASCII label")
	}
}
