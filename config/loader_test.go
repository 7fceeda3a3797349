package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmflow/swarmflow/types"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 16, cfg.Pool.MaxConcurrent)
	assert.Equal(t, 50*time.Millisecond, cfg.Engine.TickInterval.Std())
	assert.Equal(t, time.Second, cfg.Recovery.BaseDelay.Std())
	assert.Equal(t, "info", cfg.Log.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "swarmflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  tick_interval: 10ms
  admission_timeout: 5s
pool:
  max_concurrent: 4
  agent_caps:
    gpu: 2
recovery:
  base_delay: 200ms
  max_delay: 2s
log:
  level: debug
  format: console
alerts:
  error_rate_threshold: 0.25
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Millisecond, cfg.Engine.TickInterval.Std())
	assert.Equal(t, 5*time.Second, cfg.Engine.AdmissionTimeout.Std())
	assert.Equal(t, 4, cfg.Pool.MaxConcurrent)
	assert.Equal(t, 2, cfg.Pool.AgentCaps["gpu"])
	assert.Equal(t, 200*time.Millisecond, cfg.Recovery.BaseDelay.Std())
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.InDelta(t, 0.25, cfg.Alerts.ErrorRateThreshold, 1e-9)
	// Unspecified sections keep their defaults.
	assert.Equal(t, 10, cfg.Recovery.MaxRetryLimit)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader().WithConfigPath("/nonexistent/swarmflow.yaml").Load()
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SWARMFLOW_POOL_MAX_CONCURRENT", "8")
	t.Setenv("SWARMFLOW_ENGINE_TICK_INTERVAL", "25ms")
	t.Setenv("SWARMFLOW_LOG_LEVEL", "warn")
	t.Setenv("SWARMFLOW_METRICS_ENABLED", "false")
	t.Setenv("SWARMFLOW_ALERTS_ERROR_RATE_THRESHOLD", "0.9")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Pool.MaxConcurrent)
	assert.Equal(t, 25*time.Millisecond, cfg.Engine.TickInterval.Std())
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.False(t, cfg.Metrics.Enabled)
	assert.InDelta(t, 0.9, cfg.Alerts.ErrorRateThreshold, 1e-9)
}

func TestEnvOverridesBadValue(t *testing.T) {
	t.Setenv("SWARMFLOW_POOL_MAX_CONCURRENT", "not-a-number")
	_, err := NewLoader().Load()
	assert.Error(t, err)
}

func TestEnvPrefix(t *testing.T) {
	t.Setenv("CUSTOM_POOL_MAX_CONCURRENT", "5")
	cfg, err := NewLoader().WithEnvPrefix("CUSTOM").Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Pool.MaxConcurrent)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max_concurrent", func(c *Config) { c.Pool.MaxConcurrent = 0 }},
		{"zero tick", func(c *Config) { c.Engine.TickInterval = 0 }},
		{"negative base delay", func(c *Config) { c.Recovery.BaseDelay = types.Duration(-time.Second) }},
		{"base above max", func(c *Config) {
			c.Recovery.BaseDelay = types.Duration(time.Minute)
			c.Recovery.MaxDelay = types.Duration(time.Second)
		}},
		{"non-positive agent cap", func(c *Config) { c.Pool.AgentCaps = map[string]int{"gpu": 0} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
