// Package config loads the agent configuration from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"peersync/internal/domain"
)

// Config is the on-disk agent configuration.
type Config struct {
	// DeviceID identifies this device to its peers. Required.
	DeviceID string `toml:"device_id"`
	// DeviceName is the human-readable name advertised during discovery.
	DeviceName string `toml:"device_name"`
	// DeviceKind is one of "desktop", "mobile", "web".
	DeviceKind string `toml:"device_kind"`
	// DBPath is the SQLite database location.
	DBPath string `toml:"db_path"`
	// MaxSessions caps concurrently active sync sessions.
	MaxSessions int `toml:"max_sessions"`
	// IdleTimeout fails sessions with no packet activity for this long.
	// Zero disables the reaper.
	IdleTimeout duration `toml:"idle_timeout"`
	// LogLevel is one of "debug", "info", "warn", "error".
	LogLevel string `toml:"log_level"`
	// LogJSON switches log output to JSON records.
	LogJSON bool `toml:"log_json"`
}

// duration lets TOML carry values like "90s" or "5m".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		DeviceKind:  string(domain.KindDesktop),
		DBPath:      "peersync.db",
		MaxSessions: 4,
		IdleTimeout: duration(2 * time.Minute),
		LogLevel:    "info",
	}
}

// Load reads the configuration at path. A missing file yields Default
// with no error so a fresh install works without setup.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes the configuration to path, creating parent directories.
func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return f.Close()
}

// Validate checks the fields an agent cannot run without.
func (c Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("%w: device_id must be set", domain.ErrValidation)
	}
	switch domain.DeviceKind(c.DeviceKind) {
	case domain.KindDesktop, domain.KindMobile, domain.KindWeb:
	default:
		return fmt.Errorf("%w: unknown device_kind %q", domain.ErrValidation, c.DeviceKind)
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("%w: max_sessions must be at least 1", domain.ErrValidation)
	}
	if time.Duration(c.IdleTimeout) < 0 {
		return fmt.Errorf("%w: idle_timeout must not be negative", domain.ErrValidation)
	}
	return nil
}

// Idle returns the idle timeout as a time.Duration.
func (c Config) Idle() time.Duration { return time.Duration(c.IdleTimeout) }
