// Package app wires configuration, mapping storage, dispatch, the gesture
// stream and the local surfaces into one service.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.aimuz.me/gesturekeys/api"
	"go.aimuz.me/gesturekeys/config"
	"go.aimuz.me/gesturekeys/detection"
	"go.aimuz.me/gesturekeys/dispatch"
	"go.aimuz.me/gesturekeys/hotkey"
	"go.aimuz.me/gesturekeys/mapping"
	"go.aimuz.me/gesturekeys/settings"
	"go.aimuz.me/gesturekeys/stream"
)

const startupTimeout = 10 * time.Second

// Service owns every long-lived component.
// This struct focuses on orchestration; behaviour lives in sub-packages.
type Service struct {
	cfg     *config.Config
	backend settings.Backend
	store   *mapping.Store
	disp    *dispatch.Dispatcher
	ctrl    *detection.Controller
	hotkey  *hotkey.Manager
	api     *api.Server

	stopWatch context.CancelFunc
	toggleMu  sync.Mutex // serializes ToggleDetection

	// Version info (set by caller)
	version string
}

// New creates a new Service. Call Init before Run.
func New(version string) *Service {
	return &Service{version: version}
}

// GetVersion returns the application version.
func (s *Service) GetVersion() string {
	return s.version
}

// Store returns the mapping store.
func (s *Service) Store() *mapping.Store { return s.store }

// Controller returns the detection controller.
func (s *Service) Controller() *detection.Controller { return s.ctrl }

// Init builds all components from cfg. Backend failures during start-up
// are logged, not fatal: the store can be reloaded and detection enabled
// later through the API.
func (s *Service) Init(ctx context.Context, cfg *config.Config) error {
	s.cfg = cfg

	if err := s.setupMappings(ctx); err != nil {
		return err
	}
	if err := s.setupDetection(ctx); err != nil {
		return err
	}
	s.setupHotkey()

	if cfg.API.Addr != "" {
		s.api = api.New(s.store, s.ctrl)
	}
	return nil
}

// Run serves the API until ctx is cancelled. Without an API address it
// just waits.
func (s *Service) Run(ctx context.Context) error {
	if s.api == nil {
		<-ctx.Done()
		return nil
	}
	return s.api.Serve(ctx, s.cfg.API.Addr)
}

// Shutdown cleans up resources.
func (s *Service) Shutdown() {
	if s.hotkey != nil {
		s.hotkey.Stop()
	}
	if s.api != nil {
		s.api.Close()
	}
	if s.ctrl != nil {
		s.ctrl.Shutdown()
	}
	if s.stopWatch != nil {
		s.stopWatch()
	}
	if c, ok := s.backend.(io.Closer); ok {
		if err := c.Close(); err != nil {
			slog.Error("close settings store", "error", err)
		}
	}
}

// ToggleDetection flips detection on or off. Concurrent calls each flip
// the state in turn.
func (s *Service) ToggleDetection() {
	s.toggleMu.Lock()
	defer s.toggleMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HTTPTimeout.D())
	defer cancel()

	enable := !s.ctrl.Status().Enabled
	if _, err := s.ctrl.SetEnabled(ctx, enable); err != nil {
		slog.Error("toggle detection", "enabled", enable, "error", err)
	}
}

func (s *Service) setupMappings(ctx context.Context) error {
	path, err := s.cfg.SettingsPath()
	if err != nil {
		return err
	}
	backend, err := settings.Open(settings.Options{
		Kind:    s.cfg.Settings.Kind,
		BaseURL: s.cfg.BaseURL,
		Timeout: s.cfg.HTTPTimeout.D(),
		Path:    path,
	})
	if err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	s.backend = backend
	s.store = mapping.NewStore(backend)

	loadCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if _, err := s.store.Load(loadCtx); err != nil {
		slog.Error("load mappings", "error", err)
	}

	if fb, ok := backend.(*settings.FileBackend); ok {
		watchCtx, stop := context.WithCancel(context.Background())
		if err := fb.Watch(watchCtx, s.reloadMappings); err != nil {
			stop()
			slog.Warn("watch mapping file", "error", err)
		} else {
			s.stopWatch = stop
		}
	}
	return nil
}

// reloadMappings picks up external edits of the mapping file unless the
// working copy has unsaved changes of its own.
func (s *Service) reloadMappings() {
	if s.store.Dirty() {
		slog.Warn("mapping file changed on disk; keeping unsaved edits")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if _, err := s.store.Load(ctx); err != nil {
		slog.Error("reload mappings", "error", err)
	}
}

func (s *Service) setupDetection(ctx context.Context) error {
	var exec dispatch.Executor = dispatch.NewHTTPExecutor(s.cfg.BaseURL, s.cfg.HTTPTimeout.D())
	if s.cfg.Dispatch.DryRun {
		exec = dispatch.LogExecutor{}
		slog.Info("dry run: actions are logged, not executed")
	}
	s.disp = dispatch.New(exec,
		dispatch.WithExecTimeout(s.cfg.ExecTimeout.D()),
		dispatch.WithMinConfidence(s.cfg.Dispatch.MinConfidence),
	)

	url, err := stream.GesturesURL(s.cfg.BaseURL)
	if err != nil {
		return fmt.Errorf("gesture stream url: %w", err)
	}
	client := stream.NewClient(stream.Config{
		URL:            url,
		ConnectTimeout: s.cfg.ConnectTimeout.D(),
		Backoff: stream.BackoffConfig{
			Base:   s.cfg.Backoff.Base.D(),
			Max:    s.cfg.Backoff.Max.D(),
			Jitter: s.cfg.Backoff.Jitter,
		},
	})

	remote := stream.NewStatusClient(s.cfg.BaseURL, s.cfg.HTTPTimeout.D())
	s.ctrl = detection.New(s.store, s.disp, client, detection.WithRemote(remote))

	syncCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := s.ctrl.Sync(syncCtx); err != nil {
		slog.Warn("read backend detection status", "error", err)
	}
	if s.cfg.StartEnabled && !s.ctrl.Status().Enabled {
		if _, err := s.ctrl.SetEnabled(syncCtx, true); err != nil {
			slog.Error("enable detection", "error", err)
		}
	}
	return nil
}

func (s *Service) setupHotkey() {
	if !s.cfg.Hotkey.Enabled {
		return
	}

	m, err := hotkey.NewManager(s.cfg.Hotkey.Keys, s.ToggleDetection)
	if err != nil {
		slog.Error("hotkey", "error", err)
		return
	}
	m.SetStatusCallback(func(active bool) {
		if active {
			slog.Info("detection hotkey active", "keys", m.Keys())
		} else {
			slog.Info("detection hotkey removed")
		}
	})
	if err := m.Start(); err != nil {
		slog.Error("start hotkey", "error", err)
		return
	}
	s.hotkey = m
}
