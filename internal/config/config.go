package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Backend kinds.
const (
	BackendREST   = "rest"
	BackendDirect = "direct"
)

// Environment variables that override the file.
const (
	EnvBaseURL  = "WPSYNC_BASE_URL"
	EnvAPIToken = "WPSYNC_API_TOKEN"
	EnvTenant   = "WPSYNC_TENANT"
	EnvBackend  = "WPSYNC_BACKEND"
)

// Config represents the global ~/.wpsync/config.toml.
type Config struct {
	DefaultSession string  `toml:"default_session"`
	Backend        Backend `toml:"backend"`
	Polling        Polling `toml:"polling"`
	Log            Log     `toml:"log"`
}

// Backend selects and configures the provider backend.
type Backend struct {
	Kind      string   `toml:"kind"`
	BaseURL   string   `toml:"base_url"`
	APIToken  string   `toml:"api_token"`
	Tenant    string   `toml:"tenant"`
	Timeout   Duration `toml:"timeout"`
	RateLimit float64  `toml:"rate_limit"`
	Burst     int      `toml:"burst"`
}

// Polling holds the intervals of every poll loop.
type Polling struct {
	PairingAttempts      int      `toml:"pairing_attempts"`
	PairingInterval      Duration `toml:"pairing_interval"`
	PairingWatchInterval Duration `toml:"pairing_watch_interval"`
	PairingWindow        Duration `toml:"pairing_window"`
	StatusInterval       Duration `toml:"status_interval"`
	MessageInterval      Duration `toml:"message_interval"`
	ThreadInterval       Duration `toml:"thread_interval"`
}

// Log configures the daemon log file.
type Log struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Duration is a time.Duration written as a string such as "2.5s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Backend: Backend{
			Kind:    BackendREST,
			Timeout: Duration{15 * time.Second},
			Burst:   5,
		},
		Polling: Polling{
			PairingAttempts:      10,
			PairingInterval:      Duration{2500 * time.Millisecond},
			PairingWatchInterval: Duration{5 * time.Second},
			PairingWindow:        Duration{2 * time.Minute},
			StatusInterval:       Duration{5 * time.Second},
			MessageInterval:      Duration{3 * time.Second},
			ThreadInterval:       Duration{10 * time.Second},
		},
		Log: Log{
			Level:      "info",
			MaxSizeMB:  20,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads config from the given path on top of Default. Returns nil and
// the error if the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, but a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// LoadEnvFiles loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ApplyEnv overrides backend settings from the environment. lookup is
// usually os.Getenv.
func (c *Config) ApplyEnv(lookup func(string) string) {
	if v := lookup(EnvBaseURL); v != "" {
		c.Backend.BaseURL = v
	}
	if v := lookup(EnvAPIToken); v != "" {
		c.Backend.APIToken = v
	}
	if v := lookup(EnvTenant); v != "" {
		c.Backend.Tenant = v
	}
	if v := lookup(EnvBackend); v != "" {
		c.Backend.Kind = v
	}
}

// Validate checks the settings the daemon cannot start without.
func (c *Config) Validate() error {
	switch c.Backend.Kind {
	case BackendDirect:
	case BackendREST:
		u, err := url.Parse(c.Backend.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("backend.base_url %q must be an http(s) URL", c.Backend.BaseURL)
		}
	default:
		return fmt.Errorf("backend.kind %q must be %q or %q", c.Backend.Kind, BackendREST, BackendDirect)
	}
	if c.Polling.PairingAttempts < 1 {
		return fmt.Errorf("polling.pairing_attempts must be positive, got %d", c.Polling.PairingAttempts)
	}
	return nil
}
