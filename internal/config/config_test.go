// Package config tests.
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "http://localhost:3000", cfg.APIBaseURL)
	assert.Equal(t, ":8085", cfg.ListenAddr)
	assert.True(t, cfg.SharedRefresh)
	assert.False(t, cfg.SQLiteStore())
	assert.False(t, cfg.AutoLogin())

	assert.Equal(t, time.Second, cfg.ActivityDebounce)
	assert.Equal(t, 30*time.Minute, cfg.InactivityThreshold)
	assert.Equal(t, 5*time.Minute, cfg.RefreshBuffer)
	assert.Equal(t, 30*time.Second, cfg.MinRefreshInterval)
	assert.Equal(t, 10*time.Minute, cfg.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.MinScheduleDelay)
	assert.Equal(t, 30*time.Second, cfg.RateLimitBackoffSeed)
	assert.Equal(t, 5*time.Minute, cfg.RateLimitBackoffCap)
	assert.Equal(t, 5*time.Second, cfg.ErrorBackoffSeed)
	assert.Equal(t, 60*time.Second, cfg.ErrorBackoffCap)
}

func TestLoad_EnvOverrides(t *testing.T) {
	os.Clearenv()
	t.Setenv("MEMORIO_API_BASE_URL", "https://api.memorio.test")
	t.Setenv("MEMORIO_STORE_BACKEND", "sqlite")
	t.Setenv("MEMORIO_SHARED_REFRESH", "false")
	t.Setenv("MEMORIO_USERNAME", "ada")
	t.Setenv("MEMORIO_PASSWORD", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://api.memorio.test", cfg.APIBaseURL)
	assert.True(t, cfg.SQLiteStore())
	assert.False(t, cfg.SharedRefresh)
	assert.True(t, cfg.AutoLogin())
}

func TestLoad_YAMLOverlay(t *testing.T) {
	os.Clearenv()
	dir := t.TempDir()
	path := filepath.Join(dir, "memorio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
api_base_url: ${MEMORIO_TEST_HOST}
poll_interval: 8m
store_backend: sqlite
`), 0o600))

	t.Setenv("MEMORIO_TEST_HOST", "https://staging.memorio.test")
	t.Setenv("MEMORIO_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://staging.memorio.test", cfg.APIBaseURL)
	assert.Equal(t, 8*time.Minute, cfg.PollInterval)
	assert.True(t, cfg.SQLiteStore())
	// Untouched keys keep their defaults.
	assert.Equal(t, 5*time.Minute, cfg.RefreshBuffer)
}

func TestLoad_MissingFile(t *testing.T) {
	os.Clearenv()
	t.Setenv("MEMORIO_CONFIG_FILE", filepath.Join(t.TempDir(), "nope.yaml"))
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	os.Clearenv()
	cfg, err := Load()
	require.NoError(t, err)

	bad := *cfg
	bad.MinScheduleDelay = time.Hour
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.ErrorBackoffSeed = 2 * time.Minute
	assert.Error(t, bad.Validate())

	bad = *cfg
	bad.StoreBackend = "redis"
	assert.Error(t, bad.Validate())
}

func TestAllowedOriginList(t *testing.T) {
	cfg := &Config{}
	assert.Nil(t, cfg.AllowedOriginList())

	cfg.AllowedOrigins = "http://localhost:5173, ,app://memorio"
	assert.Equal(t, []string{"http://localhost:5173", "app://memorio"}, cfg.AllowedOriginList())
}
