package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"go.aimuz.me/gesturekeys/detection"
	"go.aimuz.me/gesturekeys/internal/types"
	"go.aimuz.me/gesturekeys/mapping"
	"go.aimuz.me/gesturekeys/stream"
)

const maxBody = 1 << 20

// ─────────────────────────────────────────────────────────────────────────────
// Detection
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleGetStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.Status())
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	var req types.GestureToggle
	if err := decodeBody(r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	st, err := s.ctrl.SetEnabled(r.Context(), req.Enabled)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ─────────────────────────────────────────────────────────────────────────────
// Mappings
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleGetMappings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.store.State())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if _, err := s.store.Load(r.Context()); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.State())
}

type validateResponse struct {
	Valid  bool                     `json:"valid"`
	Errors mapping.ValidationErrors `json:"errors,omitempty"`
}

// handleValidate checks the posted config, or the working copy when the
// body is empty.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var posted *types.MappingConfig
	if err := decodeBody(r, &posted, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	cfg := s.store.Working()
	if posted != nil {
		cfg = *posted
	}

	err := mapping.Validate(cfg)
	if err == nil {
		writeJSON(w, http.StatusOK, validateResponse{Valid: true})
		return
	}
	var verrs mapping.ValidationErrors
	if !errors.As(err, &verrs) {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Errors: verrs})
}

// handleSave saves the posted config, or the working copy when the body is
// empty.
func (s *Server) handleSave(w http.ResponseWriter, r *http.Request) {
	var cfg *types.MappingConfig
	if err := decodeBody(r, &cfg, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	var err error
	if cfg != nil {
		_, err = s.store.SaveConfig(r.Context(), *cfg)
	} else {
		_, err = s.store.Save(r.Context())
	}
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.store.State())
}

func (s *Server) handleDiscard(w http.ResponseWriter, _ *http.Request) {
	s.store.Discard()
	writeJSON(w, http.StatusOK, s.store.State())
}

type rowResponse struct {
	Index int                  `json:"index"`
	Row   types.GestureMapping `json:"row"`
}

func (s *Server) handleAddRow(w http.ResponseWriter, r *http.Request) {
	var m types.GestureMapping
	if err := decodeBody(r, &m, true); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	idx, err := s.store.AddRow(m)
	if err != nil {
		writeFailure(w, err)
		return
	}
	row, err := s.store.Row(idx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rowResponse{Index: idx, Row: row})
}

func (s *Server) handleUpdateRow(w http.ResponseWriter, r *http.Request) {
	idx, ok := rowIndex(w, r)
	if !ok {
		return
	}
	var p mapping.Patch
	if err := decodeBody(r, &p, false); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	row, err := s.store.UpdateRow(idx, p)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rowResponse{Index: idx, Row: row})
}

func (s *Server) handleRemoveRow(w http.ResponseWriter, r *http.Request) {
	idx, ok := rowIndex(w, r)
	if !ok {
		return
	}
	if err := s.store.RemoveRow(idx); err != nil {
		writeFailure(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTestFire(w http.ResponseWriter, r *http.Request) {
	idx, ok := rowIndex(w, r)
	if !ok {
		return
	}
	out, err := s.ctrl.TestFire(r.Context(), idx)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out.Summary())
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

type errorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

// writeFailure maps domain errors to status codes.
func writeFailure(w http.ResponseWriter, err error) {
	var (
		verrs mapping.ValidationErrors
		fetch *mapping.FetchError
		parse *mapping.ParseError
		save  *mapping.SaveError
		conn  *stream.ConnectionError
	)

	switch {
	case errors.As(err, &verrs):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid mappings", Details: verrs})
	case errors.Is(err, mapping.ErrRowIndex):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, mapping.ErrDuplicateGesture), errors.Is(err, mapping.ErrNotLoaded):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, detection.ErrShutdown):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &fetch), errors.As(err, &parse), errors.As(err, &save), errors.As(err, &conn):
		writeError(w, http.StatusBadGateway, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// decodeBody decodes a JSON request body into v. With allowEmpty, an empty
// body leaves v untouched.
func decodeBody(r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func rowIndex(w http.ResponseWriter, r *http.Request) (int, bool) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid row index: %w", err))
		return 0, false
	}
	return idx, true
}
