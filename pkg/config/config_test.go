package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func resetSingleton() {
	mu.Lock()
	config = nil
	projectDir = ""
	mu.Unlock()
}

func TestLoadConfigCreatesDefaultsWhenMissing(t *testing.T) {
	defer resetSingleton()
	dir := t.TempDir()

	require.NoError(t, LoadConfig(dir))

	cfg, err := GetConfig()
	require.NoError(t, err)
	require.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	require.Equal(t, DefaultBatchSize, cfg.BatchSize)

	data, err := os.ReadFile(filepath.Join(dir, ConfigDir, ConfigFilename))
	require.NoError(t, err)
	var onDisk Config
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Equal(t, SchemaVersion, onDisk.SchemaVersion)
}

func TestLoadConfigAppliesDefaultsToPartialFile(t *testing.T) {
	defer resetSingleton()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfigDir), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(dir, ConfigDir, ConfigFilename),
		[]byte(`{"schema_version":1,"project_dir":"`+dir+`","max_retries":7}`),
		0o644,
	))

	require.NoError(t, LoadConfig(dir))

	cfg, err := GetConfig()
	require.NoError(t, err)
	require.Equal(t, 7, cfg.MaxRetries)
	require.Equal(t, DefaultBatchSize, cfg.BatchSize)
}

func TestLoadConfigRejectsUnparseableFile(t *testing.T) {
	defer resetSingleton()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ConfigDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigDir, ConfigFilename), []byte("not json"), 0o644))

	require.Error(t, LoadConfig(dir))
}

func TestLoadConfigRejectsMissingProjectDir(t *testing.T) {
	defer resetSingleton()
	require.Error(t, LoadConfig(filepath.Join(t.TempDir(), "does-not-exist")))
}

func TestGetConfigBeforeLoadFails(t *testing.T) {
	defer resetSingleton()
	_, err := GetConfig()
	require.Error(t, err)
}
