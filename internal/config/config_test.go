package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_AppliesBuiltInDefaults(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.WorkerStartTimeout())
	assert.Equal(t, 3, cfg.HealthStrikes())
	assert.Equal(t, 10, cfg.MaxConcurrencyPerEnvironment())
	assert.Equal(t, 8, cfg.IndexerMaxParallel())
	assert.Equal(t, "", cfg.TokenClientID())
	assert.Equal(t, "", cfg.TokenAuthEndpoint())
}

func TestLoad_IsASingletonAcrossCalls(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	c1, err := Load()
	require.NoError(t, err)
	c2, err := Load()
	require.NoError(t, err)
	c1.Set("worker.health_strikes", 9)
	assert.Equal(t, 9, c2.HealthStrikes())
}

func TestSet_OverridesTypedAccessor(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	cfg, err := Load()
	require.NoError(t, err)
	cfg.Set("storage.app_data_dir", "/custom/data")
	assert.Equal(t, "/custom/data", cfg.AppDataDir())
}

func TestFlatten_NestedTableKeysBecomeDottedPaths(t *testing.T) {
	Reset()
	t.Cleanup(Reset)

	tree := map[string]interface{}{
		"worker": map[string]interface{}{
			"health_strikes": int64(7),
		},
	}
	cfg, err := Load()
	require.NoError(t, err)
	flatten("", tree, cfg.v)
	assert.Equal(t, 7, cfg.HealthStrikes())
}

func TestFileExists_DistinguishesFilesFromDirsAndMissingPaths(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, fileExists(filepath.Join(dir, "missing.toml")))
	assert.True(t, fileExists(writeTempConfig(t, dir)))
	assert.False(t, fileExists(dir))
}

func writeTempConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("[worker]\nhealth_strikes = 5\n"), 0o644))
	return path
}
