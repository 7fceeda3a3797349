package config

import (
	"time"

	"github.com/swarmflow/swarmflow/types"
)

// Config is the complete engine configuration.
type Config struct {
	// Engine holds coordinator loop settings.
	Engine EngineConfig `yaml:"engine" env:"ENGINE"`

	// Pool holds concurrency admission settings.
	Pool PoolConfig `yaml:"pool" env:"POOL"`

	// Recovery holds retry/backoff policy and validation ceilings.
	Recovery RecoveryConfig `yaml:"recovery" env:"RECOVERY"`

	// Log holds logging settings.
	Log LogConfig `yaml:"log" env:"LOG"`

	// Metrics holds Prometheus export settings.
	Metrics MetricsConfig `yaml:"metrics" env:"METRICS"`

	// Alerts holds monitor alerting thresholds.
	Alerts AlertConfig `yaml:"alerts" env:"ALERTS"`
}

// EngineConfig configures the scheduler coordinator.
type EngineConfig struct {
	// TickInterval is the scheduling tick period.
	TickInterval types.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	// AdmissionTimeout bounds how long a ready step may wait for a grant
	// before a resource-exhausted event is raised. The step is never failed
	// for waiting; it stays ready and is re-offered on the next tick.
	AdmissionTimeout types.Duration `yaml:"admission_timeout" env:"ADMISSION_TIMEOUT"`
	// Retention is how long terminal instances stay queryable before
	// being archived out of the active set.
	Retention types.Duration `yaml:"retention" env:"RETENTION"`
}

// PoolConfig configures the shared resource pool.
type PoolConfig struct {
	// MaxConcurrent is the global cap on concurrently running steps.
	// Workflow definitions may lower it per instance, never raise it.
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// AgentCaps optionally caps concurrent steps per agent name.
	AgentCaps map[string]int `yaml:"agent_caps"`
	// QueueSize is the executor task queue size.
	QueueSize int `yaml:"queue_size" env:"QUEUE_SIZE"`
}

// RecoveryConfig configures retry policy and validation ceilings.
type RecoveryConfig struct {
	// BaseDelay is the backoff base: delay = base * 2^(attempt-1).
	BaseDelay types.Duration `yaml:"base_delay" env:"BASE_DELAY"`
	// MaxDelay caps the exponential backoff.
	MaxDelay types.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// MaxRetryLimit is the validation ceiling for per-step retry limits.
	MaxRetryLimit int `yaml:"max_retry_limit" env:"MAX_RETRY_LIMIT"`
	// MaxTimeout is the validation ceiling for per-step timeouts.
	MaxTimeout types.Duration `yaml:"max_timeout" env:"MAX_TIMEOUT"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" env:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" env:"FORMAT"`
}

// MetricsConfig configures Prometheus export.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Namespace string `yaml:"namespace" env:"NAMESPACE"`
}

// AlertConfig configures the monitor's sliding-window alerting.
type AlertConfig struct {
	// ErrorRateThreshold triggers an alert when the windowed error rate
	// meets or exceeds it (0 disables alerting).
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" env:"ERROR_RATE_THRESHOLD"`
	// Window is the sliding window length.
	Window types.Duration `yaml:"window" env:"WINDOW"`
	// MinSamples is the minimum number of finished attempts in the window
	// before the rate is considered meaningful.
	MinSamples int `yaml:"min_samples" env:"MIN_SAMPLES"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			TickInterval:     types.Duration(50 * time.Millisecond),
			AdmissionTimeout: types.Duration(30 * time.Second),
			Retention:        types.Duration(time.Hour),
		},
		Pool: PoolConfig{
			MaxConcurrent: 16,
			QueueSize:     256,
		},
		Recovery: RecoveryConfig{
			BaseDelay:     types.Duration(time.Second),
			MaxDelay:      types.Duration(time.Minute),
			MaxRetryLimit: 10,
			MaxTimeout:    types.Duration(time.Hour),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "swarmflow",
		},
		Alerts: AlertConfig{
			ErrorRateThreshold: 0.5,
			Window:             types.Duration(time.Minute),
			MinSamples:         10,
		},
	}
}
