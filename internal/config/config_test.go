package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"peersync/internal/config"
	"peersync/internal/domain"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
	require.Equal(t, 4, cfg.MaxSessions)
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	doc := `
device_id = "dev-1"
device_name = "Laptop"
device_kind = "desktop"
max_sessions = 8
idle_timeout = "90s"
log_level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "dev-1", cfg.DeviceID)
	require.Equal(t, 8, cfg.MaxSessions)
	require.Equal(t, 90*time.Second, cfg.Idle())
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	doc := `
device_id = "dev-1"
device_kind = "toaster"
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	_, err := config.Load(path)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg := config.Default()
	cfg.DeviceID = "dev-1"
	cfg.DeviceName = "Phone"
	cfg.DeviceKind = string(domain.KindMobile)

	require.NoError(t, config.Save(path, cfg))

	got, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestValidate(t *testing.T) {
	cfg := config.Default()
	cfg.DeviceID = "dev-1"
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.DeviceID = ""
	require.ErrorIs(t, bad.Validate(), domain.ErrValidation)

	bad = cfg
	bad.MaxSessions = 0
	require.ErrorIs(t, bad.Validate(), domain.ErrValidation)
}
