package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestLoad_MergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "forge.toml")
	contents := `
environment = "production"

[worker]
max_concurrent = 25

[asset]
backend = "s3"

[asset.s3]
bucket = "forge-assets-prod"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Environment)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 25, cfg.Worker.MaxConcurrent)
	assert.Equal(t, "s3", cfg.Asset.Backend)
	assert.Equal(t, "forge-assets-prod", cfg.Asset.S3.Bucket)
	// untouched defaults survive the merge
	assert.Equal(t, "forge", cfg.JobStore.Namespace)
}

func TestLoad_SkipsMissingFiles(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Environment, cfg.Environment)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("FORGE_LOG_LEVEL", "debug")
	t.Setenv("FORGE_WORKER_MAX_CONCURRENT", "3")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 3, cfg.Worker.MaxConcurrent)
}

func TestValidate_RejectsHeartbeatTooCloseToLease(t *testing.T) {
	cfg := Default()
	cfg.JobStore.LeaseSeconds = 10
	cfg.Worker.HeartbeatIntervalMS = 9000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval_ms")
}

func TestValidate_RejectsBadAssetBackend(t *testing.T) {
	cfg := Default()
	cfg.Asset.Backend = "gcs"
	err := cfg.Validate()
	require.Error(t, err)
}

func TestValidate_RejectsBadCircuitThreshold(t *testing.T) {
	cfg := Default()
	cfg.Circuit.FailureRateThreshold = 0
	require.Error(t, cfg.Validate())
	cfg.Circuit.FailureRateThreshold = 1.5
	require.Error(t, cfg.Validate())
}

func TestProviderConfig_GetTimeout(t *testing.T) {
	p := ProviderConfig{Timeout: "45s"}
	assert.Equal(t, 45e9, float64(p.GetTimeout()))

	bad := ProviderConfig{Timeout: "not-a-duration"}
	assert.Equal(t, float64(60e9), float64(bad.GetTimeout()))
}
