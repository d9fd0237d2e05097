package mapping

import (
	"errors"
	"fmt"
	"strings"
)

// Edit errors. Edits returning these leave the working copy unchanged.
var (
	ErrDuplicateGesture = errors.New("duplicate gesture")
	ErrRowIndex         = errors.New("row index out of range")
)

// ErrNotLoaded is returned by Save before any document has been loaded and
// the working copy holds no edits of its own.
var ErrNotLoaded = errors.New("mappings not loaded")

// FetchError reports a transport failure while loading the document.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch mappings: %v", e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports a document that is not a well-formed mapping config.
type ParseError struct {
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse mappings: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("parse mappings: %s", e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// SaveError reports a failure to replace the remote document. The working
// copy is kept as pending.
type SaveError struct {
	Err error
}

func (e *SaveError) Error() string {
	return fmt.Sprintf("save mappings: %v", e.Err)
}

func (e *SaveError) Unwrap() error { return e.Err }

// ValidationError describes one invalid field of one mapping row.
type ValidationError struct {
	Index   int    `json:"index"`
	Gesture string `json:"gesture,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("mappings[%d].%s: %s", e.Index, e.Field, e.Message)
}

// ValidationErrors is the full list of problems found in a config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return "invalid mappings: " + strings.Join(msgs, "; ")
}
