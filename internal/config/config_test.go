package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fleetsync.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)

	assert.Equal(t, ":9400", cfg.Master.ListenAddr)
	assert.Equal(t, 8890, cfg.Master.GatewayPort)
	assert.Equal(t, 30, cfg.Rate.DefaultIntervalSeconds)
	assert.Equal(t, 10, cfg.Rate.MinIntervalSeconds)
	assert.Equal(t, 1800, cfg.Rate.MaxIntervalSeconds)
	assert.Equal(t, 60, cfg.Push.ScanIntervalSeconds)
	assert.Equal(t, 3, cfg.Push.MaxPushTimes)
	assert.Equal(t, 30, cfg.Push.AckTimeoutSeconds)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeConfig(t, `
[worker]
id = "worker-7"
master_addr = "10.0.0.5:9400"
key = "secret"
accounts = ["acc-1", "acc-2"]

[rate]
default_interval_seconds = 45
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "worker-7", cfg.Worker.ID)
	assert.Equal(t, "10.0.0.5:9400", cfg.Worker.MasterAddr)
	assert.Equal(t, []string{"acc-1", "acc-2"}, cfg.Worker.Accounts)
	assert.Equal(t, 45, cfg.Rate.DefaultIntervalSeconds)
	// Untouched sections keep their defaults.
	assert.Equal(t, 3, cfg.Push.MaxPushTimes)
}

func TestLoadConfigEnvOverride(t *testing.T) {
	t.Setenv("FLEETSYNC_MASTER_LISTEN_ADDR", ":9999")

	cfg, err := LoadConfig(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.Master.ListenAddr)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := LoadConfig(writeConfig(t, ""))
		require.NoError(t, err)
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Validate(base()))
	})

	t.Run("min above max", func(t *testing.T) {
		cfg := base()
		cfg.Rate.MinIntervalSeconds = 100
		cfg.Rate.MaxIntervalSeconds = 50
		assert.Error(t, Validate(cfg))
	})

	t.Run("default outside bounds", func(t *testing.T) {
		cfg := base()
		cfg.Rate.DefaultIntervalSeconds = 5
		assert.Error(t, Validate(cfg))
	})

	t.Run("non-positive push cap", func(t *testing.T) {
		cfg := base()
		cfg.Push.MaxPushTimes = 0
		assert.Error(t, Validate(cfg))
	})

	t.Run("worker id without key", func(t *testing.T) {
		cfg := base()
		cfg.Worker.ID = "worker-1"
		cfg.Worker.Key = ""
		assert.Error(t, Validate(cfg))
	})
}

func TestInitConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetsync.toml")
	require.NoError(t, InitConfig(path))

	// Refuses to overwrite.
	assert.Error(t, InitConfig(path))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, Validate(cfg))
	assert.Equal(t, "worker-1", cfg.Worker.ID)
}
