// Package settings provides the backends that hold the mapping document.
//
// Every backend exchanges the whole document as JSON bytes: the mapping
// store decodes and validates, backends only fetch and replace.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.aimuz.me/gesturekeys/internal/types"
)

// ErrMalformed marks a stored document that could not be read as a
// document at all (as opposed to a transport failure).
var ErrMalformed = errors.New("malformed settings document")

// Backend fetches and replaces the mapping document.
type Backend interface {
	// Fetch returns the current document.
	Fetch(ctx context.Context) ([]byte, error)

	// Replace stores doc as the whole document and returns the stored
	// canonical copy.
	Replace(ctx context.Context, doc []byte) ([]byte, error)
}

// Kinds accepted by Open.
const (
	KindHTTP   = "http"
	KindBadger = "badger"
	KindFile   = "file"
)

// Options selects and configures a backend.
type Options struct {
	Kind    string
	BaseURL string        // http
	Timeout time.Duration // http
	Path    string        // badger directory or mappings file
}

// Open creates the backend named by opts.Kind. Backends holding local
// resources also implement io.Closer.
func Open(opts Options) (Backend, error) {
	switch opts.Kind {
	case KindHTTP, "":
		if opts.BaseURL == "" {
			return nil, errors.New("settings: base url required for http backend")
		}
		return NewHTTPBackend(opts.BaseURL, opts.Timeout), nil
	case KindBadger:
		b, err := OpenBadger(opts.Path)
		if err != nil {
			return nil, err
		}
		return b, nil
	case KindFile:
		if opts.Path == "" {
			return nil, errors.New("settings: path required for file backend")
		}
		return NewFileBackend(opts.Path), nil
	default:
		return nil, fmt.Errorf("settings: unknown backend kind %q", opts.Kind)
	}
}

// StatusError is returned when a remote settings store answers with a
// non-success status.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("settings %s: status %d: %s", e.Op, e.Status, e.Body)
}

// defaultDocument returns the document seeded into empty local backends.
func defaultDocument() []byte {
	data, err := json.MarshalIndent(types.DefaultMappingConfig(), "", "  ")
	if err != nil {
		panic(fmt.Sprintf("marshal default mappings: %v", err))
	}
	return data
}
