// Package api exposes detection status and mapping editing over HTTP for
// local UIs.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"go.aimuz.me/gesturekeys/detection"
	"go.aimuz.me/gesturekeys/mapping"
)

const shutdownTimeout = 5 * time.Second

// Server serves the local API.
type Server struct {
	store *mapping.Store
	ctrl  *detection.Controller

	router chi.Router

	closeOnce sync.Once
	done      chan struct{} // closed on Close; ends status streams
}

// New creates a Server over store and ctrl.
func New(store *mapping.Store, ctrl *detection.Controller) *Server {
	s := &Server{
		store: store,
		ctrl:  ctrl,
		done:  make(chan struct{}),
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/api/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/status", func(r chi.Router) {
		r.Get("/", s.handleGetStatus)
		r.Post("/", s.handleSetStatus)
	})

	r.Route("/api/mappings", func(r chi.Router) {
		r.Get("/", s.handleGetMappings)
		r.Post("/reload", s.handleReload)
		r.Post("/validate", s.handleValidate)
		r.Post("/save", s.handleSave)
		r.Post("/discard", s.handleDiscard)

		r.Post("/rows", s.handleAddRow)
		r.Route("/rows/{index}", func(r chi.Router) {
			r.Patch("/", s.handleUpdateRow)
			r.Delete("/", s.handleRemoveRow)
			r.Post("/test", s.handleTestFire)
		})
	})

	r.Get("/ws/status", s.handleStatusStream)
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("api listening", "addr", ln.Addr().String())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		s.Close()
		return err
	case <-ctx.Done():
	}

	s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown api: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close ends open status streams.
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("api request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
