package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "info", config.Log.Level)
	assert.Equal(t, 30, config.Sync.Delay)
	assert.Equal(t, 3, config.Sync.MaxErrors)
	assert.Equal(t, 60*time.Second, config.Sync.ErrorIntervalDuration())
	assert.Equal(t, int64(20*mib), config.Sync.ChunkSize)
	assert.Equal(t, 24*time.Hour, config.Sync.BackupInterval)
	assert.True(t, config.Sync.UseTrash)
	assert.False(t, config.Sync.LocalRollback)
	assert.Equal(t, "127.0.0.1:8339", config.API.Listen)
	assert.NotEmpty(t, config.Home)
	require.NoError(t, config.Validate())
}

func TestConfigValidation(t *testing.T) {
	config := DefaultConfig()
	config.Log.Level = "invalid"
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Sync.MaxFileProcessors = 1
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.Sync.Delay = 0
	assert.Error(t, config.Validate())

	config = DefaultConfig()
	config.API.Listen = ""
	assert.Error(t, config.Validate())
	config.API.Enabled = false
	assert.NoError(t, config.Validate())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("DOCSYNC_SYNC_DELAY", "5")
	t.Setenv("DOCSYNC_LOG_LEVEL", "debug")
	t.Setenv("DOCSYNC_SYNC_USE_TRASH", "false")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 5, config.Sync.Delay)
	assert.Equal(t, "debug", config.Log.Level)
	assert.False(t, config.Sync.UseTrash)
}

func TestConfigFileOperations(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	config := DefaultConfig()
	config.Sync.MaxErrors = 7
	config.Sync.BackupInterval = time.Hour
	config.Home = filepath.Join(t.TempDir(), "home")
	require.NoError(t, config.SaveToFile(configPath))

	loaded, err := LoadConfig(configPath)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Sync.MaxErrors)
	assert.Equal(t, time.Hour, loaded.Sync.BackupInterval)
	assert.Equal(t, config.Home, loaded.Home)
}

func TestLoadNonexistentConfig(t *testing.T) {
	config, err := LoadConfig(filepath.Join(os.TempDir(), "does-not-exist", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 30, config.Sync.Timeout)
}

func TestLoadMalformedConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("sync: [unbalanced"), 0o600))

	_, err := LoadConfig(configPath)
	assert.Error(t, err)
}
