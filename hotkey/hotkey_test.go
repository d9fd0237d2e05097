package hotkey

import (
	"testing"
	"time"
)

func TestParseChord(t *testing.T) {
	tests := []struct {
		chord   string
		want    []string
		wantErr bool
	}{
		{chord: "", want: []string{"ctrl", "shift", "g"}},
		{chord: "Alt+Space", want: []string{"alt", "space"}},
		{chord: "cmd + shift + 1", want: []string{"cmd", "shift", "1"}},
		{chord: "g", wantErr: true},
		{chord: "ctrl+", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.chord, func(t *testing.T) {
			got, err := ParseChord(tt.chord)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseChord(%q) expected error", tt.chord)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseChord(%q) error: %v", tt.chord, err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseChord(%q) = %v, want %v", tt.chord, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("key %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTrigger_IgnoresKeyRepeat(t *testing.T) {
	toggles := make(chan struct{}, 8)
	m, err := NewManager("ctrl+shift+g", func() { toggles <- struct{}{} })
	if err != nil {
		t.Fatal(err)
	}

	now := time.Unix(0, 0)
	m.now = func() time.Time { return now }

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{50 * time.Millisecond, false},
		{250 * time.Millisecond, false},
		{400 * time.Millisecond, true},
	}
	for _, s := range steps {
		now = time.Unix(0, 0).Add(s.at)
		if got := m.trigger(); got != s.want {
			t.Errorf("trigger at %v = %v, want %v", s.at, got, s.want)
		}
	}

	for range 2 {
		select {
		case <-toggles:
		case <-time.After(time.Second):
			t.Fatal("toggle not called")
		}
	}
}

func TestStopWithoutStart(t *testing.T) {
	m, err := NewManager("", func() {})
	if err != nil {
		t.Fatal(err)
	}
	m.Stop()
}
