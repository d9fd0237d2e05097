package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.aimuz.me/gesturekeys/config"
	"go.aimuz.me/gesturekeys/internal/app"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gesturekeys:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.toml (default: user config dir)")
	addr := flag.String("addr", "", "API listen address, overrides api.addr")
	logLevel := flag.String("log-level", "", "log level, overrides log.level")
	flag.Parse()

	var (
		cfg *config.Config
		err error
	)
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *addr != "" {
		cfg.API.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	slog.Info("starting gesturekeys", "version", version, "commit", commit, "date", date, "config", cfg.File())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc := app.New(version)
	if err := svc.Init(ctx, cfg); err != nil {
		return err
	}
	defer svc.Shutdown()

	return svc.Run(ctx)
}

func setupLogging(cfg config.LogConfig) error {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		h = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		h = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
