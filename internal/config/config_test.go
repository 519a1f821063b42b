package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devrev/lakelink/internal/model"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("{}"))
	require.NoError(t, err)

	assert.Equal(t, "unix", cfg.Server.Network)
	assert.Equal(t, "lakelink/lakelink.sock", cfg.Server.Address)
	assert.Equal(t, ScanScopeConnection, cfg.Server.ScanScope)
	assert.Equal(t, 30*time.Second, cfg.Server.ShutdownTimeout)
	assert.Zero(t, cfg.Server.MaxConnections)
	assert.Equal(t, 9090, cfg.Metrics.Port)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, "full", cfg.Maintenance.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Cache.CardinalityTTL)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParse_File(t *testing.T) {
	data := []byte(`
server:
  network: tcp
  address: 127.0.0.1:7000
  scan_scope: process
storage:
  root: s3://bucket/lake
  options:
    aws_region: eu-central-1
maintenance:
  enabled: true
  schedule: "*/15 * * * *"
  mode: data
`)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "tcp", cfg.Server.Network)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Address)
	assert.Equal(t, ScanScopeProcess, cfg.Server.ScanScope)
	assert.Equal(t, "s3://bucket/lake", cfg.Storage.Root)
	assert.Equal(t, "data", cfg.Maintenance.Mode)

	opts := cfg.StorageOptions()
	assert.Equal(t, "eu-central-1", opts["aws_region"])
	assert.Equal(t, "true", opts["allow_unsafe_rename"])
	_, leaked := cfg.Storage.Options["allow_unsafe_rename"]
	assert.False(t, leaked, "StorageOptions must not mutate the configured map")
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("LAKELINK_ADDRESS", "/tmp/override.sock")
	t.Setenv("LAKELINK_LOG_LEVEL", "debug")

	cfg, err := Parse([]byte("server:\n  address: /tmp/file.sock\n"))
	require.NoError(t, err)
	assert.Equal(t, "/tmp/override.sock", cfg.Server.Address)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad network", "server:\n  network: udp\n"},
		{"bad scope", "server:\n  scan_scope: global\n"},
		{"bad metrics port", "metrics:\n  port: 70000\n"},
		{"bad mode", "maintenance:\n  mode: vacuum\n"},
		{"bad schedule", "maintenance:\n  enabled: true\n  schedule: every day\n"},
		{"negative rate limit", "maintenance:\n  rate_limit: -1\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestParse_MaintenanceModeIsNormalized(t *testing.T) {
	cfg, err := Parse([]byte("maintenance:\n  mode: FULL\n"))
	require.NoError(t, err)
	assert.Equal(t, "full", cfg.Maintenance.Mode)

	_, ok := model.ParseOptimizeMode(cfg.Maintenance.Mode)
	assert.True(t, ok)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
