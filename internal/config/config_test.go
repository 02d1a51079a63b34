package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5*time.Minute, cfg.PlanApprovalTimeout)
	assert.Equal(t, 30*time.Second, cfg.StepApprovalTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 1, cfg.Concurrency)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := Default()
	cfg.Concurrency = 0
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.MaxRetries = -1
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.StepApprovalTimeout = 0
	assert.Error(t, cfg.Validate())
}

func TestLoadReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "max_retries: 5\nsafe_mode: true\nconcurrency: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	t.Setenv("OTTO_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.True(t, cfg.SafeMode)
	assert.Equal(t, 4, cfg.Concurrency)
	// untouched keys keep defaults
	assert.Equal(t, Default().StepApprovalTimeout, cfg.StepApprovalTimeout)
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	t.Setenv("OTTO_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().MaxRetries, cfg.MaxRetries)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("OTTO_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("OTTO_SAFE_MODE", "true")
	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.SafeMode)
}
