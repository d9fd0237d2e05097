package mapping

import (
	"strconv"

	"go.aimuz.me/gesturekeys/action"
	"go.aimuz.me/gesturekeys/internal/types"
)

// Validate checks every rule a config must satisfy before it is saved.
// It returns ValidationErrors, or nil when cfg is valid.
func Validate(cfg types.MappingConfig) error {
	var errs ValidationErrors

	seen := make(map[string]int, len(cfg.Mappings))
	for i, m := range cfg.Mappings {
		errs = append(errs, validateRow(i, m)...)

		key := action.NormalizeGesture(m.Gesture)
		if key == "" {
			continue
		}
		if j, ok := seen[key]; ok {
			errs = append(errs, ValidationError{
				Index:   i,
				Gesture: key,
				Field:   "gesture",
				Message: "duplicate of row " + strconv.Itoa(j),
			})
			continue
		}
		seen[key] = i
	}

	if len(errs) == 0 {
		return nil
	}
	return errs
}

// ValidateMapping checks a single mapping, as done before a test fire.
func ValidateMapping(m types.GestureMapping) error {
	if errs := validateRow(0, m); len(errs) > 0 {
		return errs
	}
	return nil
}

func validateRow(i int, m types.GestureMapping) ValidationErrors {
	var errs ValidationErrors
	key := action.NormalizeGesture(m.Gesture)

	if key == "" {
		errs = append(errs, ValidationError{Index: i, Field: "gesture", Message: "gesture required"})
	}
	if !m.ActionType.Valid() {
		errs = append(errs, ValidationError{
			Index: i, Gesture: key, Field: "action_type",
			Message: "must be one of key, shortcut, macro",
		})
	} else if _, err := action.Parse(m.ActionType, m.Action); err != nil {
		errs = append(errs, ValidationError{Index: i, Gesture: key, Field: "action", Message: err.Error()})
	}
	if m.HoldMs != nil && *m.HoldMs < 0 {
		errs = append(errs, ValidationError{Index: i, Gesture: key, Field: "hold_ms", Message: "must not be negative"})
	}
	return errs
}
