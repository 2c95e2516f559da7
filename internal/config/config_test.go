package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 31847, cfg.Server.PreferredPort)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 100, cfg.Server.PortScanLimit)
	assert.Equal(t, 5, cfg.Companion.MaxReconnectAttempts)
	assert.Equal(t, "2s", cfg.Companion.ReconnectDelay)
	assert.True(t, cfg.Integration.EnableJumpToCode)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `server:
  preferred_port: 4000
storage:
  database_path: /tmp/custom.db
integration:
  editor_binary: codium
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 4000, cfg.Server.PreferredPort)
	assert.Equal(t, "/tmp/custom.db", cfg.Storage.DatabasePath)
	assert.Equal(t, "codium", cfg.Integration.EditorBinary)
	// Untouched sections keep defaults
	assert.Equal(t, 5, cfg.Companion.MaxReconnectAttempts)
}

func TestEnvOverrides(t *testing.T) {
	t.Run("TRACESCOPE_PORT overrides preferred port", func(t *testing.T) {
		t.Setenv("TRACESCOPE_PORT", "5151")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, 5151, cfg.Server.PreferredPort)
	})

	t.Run("invalid TRACESCOPE_PORT is ignored", func(t *testing.T) {
		t.Setenv("TRACESCOPE_PORT", "not-a-port")

		cfg := &Config{Server: ServerConfig{PreferredPort: 31847}}
		cfg.applyEnvOverrides()

		assert.Equal(t, 31847, cfg.Server.PreferredPort)
	})

	t.Run("TRACESCOPE_DB overrides database path", func(t *testing.T) {
		t.Setenv("TRACESCOPE_DB", "/elsewhere/t.db")

		cfg := &Config{}
		cfg.applyEnvOverrides()

		assert.Equal(t, "/elsewhere/t.db", cfg.Storage.DatabasePath)
	})
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Server.PreferredPort = 9999
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, loaded.Server.PreferredPort)
}
