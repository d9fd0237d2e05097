// Package config handles application configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	appName        = "gesturekeys"
	configFileName = "config.toml"
	envPrefix      = "GESTUREKEYS_"
)

// Settings store kinds.
const (
	SettingsHTTP   = "http"
	SettingsBadger = "badger"
	SettingsFile   = "file"
)

// Config represents the application configuration.
type Config struct {
	// BaseURL is the gesture backend, e.g. http://localhost:8000.
	BaseURL string `toml:"base_url"`

	ConnectTimeout Duration `toml:"connect_timeout"`
	ExecTimeout    Duration `toml:"exec_timeout"`
	HTTPTimeout    Duration `toml:"http_timeout"`

	// StartEnabled turns detection on at start-up.
	StartEnabled bool `toml:"start_enabled"`

	Backoff  BackoffConfig  `toml:"backoff"`
	Settings SettingsConfig `toml:"settings"`
	Dispatch DispatchConfig `toml:"dispatch"`
	Hotkey   HotkeyConfig   `toml:"hotkey"`
	API      APIConfig      `toml:"api"`
	Log      LogConfig      `toml:"log"`

	path string
}

// BackoffConfig is the stream reconnect schedule.
type BackoffConfig struct {
	Base   Duration `toml:"base"`
	Max    Duration `toml:"max"`
	Jitter float64  `toml:"jitter"`
}

// SettingsConfig selects where mappings are stored.
type SettingsConfig struct {
	Kind string `toml:"kind"` // http, badger or file
	Path string `toml:"path"` // database directory or mapping file
}

// DispatchConfig tunes action dispatch.
type DispatchConfig struct {
	DryRun        bool    `toml:"dry_run"`
	MinConfidence float64 `toml:"min_confidence"`
}

// HotkeyConfig configures the detection toggle chord.
type HotkeyConfig struct {
	Enabled bool   `toml:"enabled"`
	Keys    string `toml:"keys"`
}

// APIConfig configures the local API server.
type APIConfig struct {
	Addr string `toml:"addr"` // empty disables the server
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// Duration is a time.Duration written as a string such as "5s".
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(v)
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		BaseURL:        "http://localhost:8000",
		ConnectTimeout: Duration(5 * time.Second),
		ExecTimeout:    Duration(2 * time.Second),
		HTTPTimeout:    Duration(10 * time.Second),
		Backoff: BackoffConfig{
			Base:   Duration(500 * time.Millisecond),
			Max:    Duration(30 * time.Second),
			Jitter: 0.2,
		},
		Settings: SettingsConfig{Kind: SettingsHTTP},
		Hotkey:   HotkeyConfig{Enabled: false, Keys: "ctrl+shift+g"},
		API:      APIConfig{Addr: "127.0.0.1:8765"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load loads configuration from the default location.
// Returns default config if the file doesn't exist.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, fmt.Errorf("get config path: %w", err)
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path, applies environment overrides and
// validates the result. A missing file yields the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Save persists the configuration to the file it was loaded from.
func (c *Config) Save() error {
	path := c.path
	if path == "" {
		var err error
		if path, err = Path(); err != nil {
			return fmt.Errorf("get config path: %w", err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// File returns the path the configuration was loaded from.
func (c *Config) File() string {
	return c.path
}

// SettingsPath returns the settings location, defaulting to a file or
// database next to the config file. It is empty for the http store.
func (c *Config) SettingsPath() (string, error) {
	if c.Settings.Path != "" {
		return c.Settings.Path, nil
	}
	if c.Settings.Kind != SettingsBadger && c.Settings.Kind != SettingsFile {
		return "", nil
	}

	dir := filepath.Dir(c.path)
	if c.path == "" {
		var err error
		if dir, err = Dir(); err != nil {
			return "", fmt.Errorf("default settings path: %w", err)
		}
	}
	if c.Settings.Kind == SettingsBadger {
		return filepath.Join(dir, "db"), nil
	}
	return filepath.Join(dir, "mappings.json"), nil
}

// ApplyEnvOverrides applies GESTUREKEYS_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv(envPrefix + "BASE_URL"); v != "" {
		c.BaseURL = v
	}
	if v := os.Getenv(envPrefix + "API_ADDR"); v != "" {
		c.API.Addr = v
	}
	if v := os.Getenv(envPrefix + "LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv(envPrefix + "LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	if v := os.Getenv(envPrefix + "SETTINGS_KIND"); v != "" {
		c.Settings.Kind = v
	}
	if v := os.Getenv(envPrefix + "SETTINGS_PATH"); v != "" {
		c.Settings.Path = v
	}
	envBool(envPrefix+"DRY_RUN", &c.Dispatch.DryRun)
	envBool(envPrefix+"START_ENABLED", &c.StartEnabled)
	envBool(envPrefix+"HOTKEY", &c.Hotkey.Enabled)
}

func envBool(key string, dst *bool) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("ignoring invalid environment override", "key", key, "value", v)
		return
	}
	*dst = b
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("base_url must be an http(s) URL, got %q", c.BaseURL))
	}

	for name, d := range map[string]Duration{
		"connect_timeout": c.ConnectTimeout,
		"exec_timeout":    c.ExecTimeout,
		"http_timeout":    c.HTTPTimeout,
		"backoff.base":    c.Backoff.Base,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Backoff.Max < c.Backoff.Base {
		errs = append(errs, fmt.Errorf("backoff.max must not be less than backoff.base"))
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		errs = append(errs, fmt.Errorf("backoff.jitter must be between 0 and 1"))
	}

	switch c.Settings.Kind {
	case SettingsHTTP, SettingsBadger, SettingsFile:
	default:
		errs = append(errs, fmt.Errorf("settings.kind must be one of http, badger, file, got %q", c.Settings.Kind))
	}

	if c.Dispatch.MinConfidence < 0 || c.Dispatch.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("dispatch.min_confidence must be between 0 and 1"))
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	return errors.Join(errs...)
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log.level: unknown level %q", s)
	}
	return l, nil
}

// Dir returns the application config directory.
func Dir() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	return filepath.Join(dir, appName), nil
}

// Path returns the default config file path.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, configFileName), nil
}
