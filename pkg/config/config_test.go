package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Positive(t, cfg.Endpoint.Concurrency)
	require.Equal(t, DefaultRequestMaxHandleDuration, cfg.Endpoint.RequestMaxHandleDuration.Duration)
	require.Equal(t, 600*time.Second, cfg.GC.RefreshSafePointInterval.Duration)
	require.Equal(t, time.Second, cfg.GC.RegionTickInterval.Duration)
}

func TestValidateFillsZeroValues(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	require.Positive(t, cfg.Endpoint.Concurrency)
	require.Positive(t, cfg.Endpoint.MaxTasks)
	require.Positive(t, cfg.Endpoint.BatchRowLimit)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestValidateRejectsNegativeDeadline(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Endpoint.RequestMaxHandleDuration = NewDuration(-time.Second)
	require.Error(t, cfg.Validate())
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[endpoint]
end-point-concurrency = 4
end-point-batch-row-limit = 32
end-point-request-max-handle-duration = "30s"

[gc]
region-tick-interval = "2s"

[logging]
level = "debug"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Endpoint.Concurrency)
	require.Equal(t, 32, cfg.Endpoint.BatchRowLimit)
	require.Equal(t, 30*time.Second, cfg.Endpoint.RequestMaxHandleDuration.Duration)
	require.Equal(t, 2*time.Second, cfg.GC.RegionTickInterval.Duration)
	require.Equal(t, "debug", cfg.Logging.Level)
	// Unset keys keep their defaults.
	require.Equal(t, defaultStreamBatchRowLimit, cfg.Endpoint.StreamBatchRowLimit)
}

func TestLoadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{"endpoint": {"end-point-max-tasks": 77, "end-point-request-max-handle-duration": "45s"}}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 77, cfg.Endpoint.MaxTasks)
	require.Equal(t, 45*time.Second, cfg.Endpoint.RequestMaxHandleDuration.Duration)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("does-not-exist.toml")
	require.Error(t, err)

	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)
}
