// Package config loads the HMR runtime's tunables via viper, bound to the
// cmd/hmrcored cobra flags.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Runtime holds every tunable that governs scheduling, sandboxing, and
// recovery behavior.
type Runtime struct {
	// FrameBudget is the wall-clock budget for one simulation frame at the
	// target tick rate (default 60Hz -> ~16.6ms).
	FrameBudget time.Duration `mapstructure:"frame_budget"`

	// WorkerCount sizes the fixed frame-worker pool.
	WorkerCount int `mapstructure:"worker_count"`

	// MaxConcurrentSwaps is checked by Validate to be positive. No
	// component reads it: the number of modules mid-swap at once is not
	// bounded by it (the scheduler only refuses a second pending swap of
	// the same module).
	MaxConcurrentSwaps int `mapstructure:"max_concurrent_swaps"`

	// ArenaDefaultBytes is the default per-module arena size when a module
	// does not declare its own memory limit.
	ArenaDefaultBytes uint64 `mapstructure:"arena_default_bytes"`

	// CheckpointRingDepth bounds how many checkpoints are retained per
	// module for rollback.
	CheckpointRingDepth int `mapstructure:"checkpoint_ring_depth"`

	// TelemetryRingCapacity sizes each module's metric ring buffer.
	TelemetryRingCapacity int `mapstructure:"telemetry_ring_capacity"`

	// CapabilityViolationThreshold is the number of violations a module may
	// accrue before quarantine.
	CapabilityViolationThreshold int `mapstructure:"capability_violation_threshold"`

	// TrendWindowSize and TrendDegradeThreshold configure the health
	// degradation estimator.
	TrendWindowSize       int     `mapstructure:"trend_window_size"`
	TrendDegradeThreshold float64 `mapstructure:"trend_degrade_threshold"`

	// SwapAdmissionMargin is the fraction of the frame budget that must
	// remain free before a swap is admitted.
	SwapAdmissionMargin float64 `mapstructure:"swap_admission_margin"`

	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// JWTSigningKey is the shared HMAC secret that verifies control-surface
	// command envelopes (cmd/hmrcored passes it as runtime.Options.SigningKey).
	// An empty key does not turn verification off.
	JWTSigningKey string `mapstructure:"jwt_signing_key"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
}

// Defaults returns the runtime configuration's baked-in defaults.
func Defaults() Runtime {
	return Runtime{
		FrameBudget:                  16666667 * time.Nanosecond,
		WorkerCount:                  8,
		MaxConcurrentSwaps:           4,
		ArenaDefaultBytes:            64 * 1024 * 1024,
		CheckpointRingDepth:          4,
		TelemetryRingCapacity:        1024,
		CapabilityViolationThreshold: 8,
		TrendWindowSize:              32,
		TrendDegradeThreshold:        0.75,
		SwapAdmissionMargin:          0.2,
		ShutdownTimeout:              10 * time.Second,
		LogLevel:                     "info",
	}
}

// Load reads configuration from an optional file and the environment,
// falling back to Defaults for anything unset. v is expected to already
// have its flag bindings set up by the caller (cmd/hmrcored).
func Load(v *viper.Viper) (Runtime, error) {
	cfg := Defaults()

	v.SetEnvPrefix("HMRCORE")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, fmt.Errorf("config: read config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations that would make the scheduler or sandbox
// misbehave.
func (r Runtime) Validate() error {
	if r.FrameBudget <= 0 {
		return fmt.Errorf("config: frame_budget must be positive")
	}
	if r.WorkerCount <= 0 {
		return fmt.Errorf("config: worker_count must be positive")
	}
	if r.MaxConcurrentSwaps <= 0 {
		return fmt.Errorf("config: max_concurrent_swaps must be positive")
	}
	if r.ArenaDefaultBytes == 0 {
		return fmt.Errorf("config: arena_default_bytes must be positive")
	}
	if r.SwapAdmissionMargin < 0 || r.SwapAdmissionMargin >= 1 {
		return fmt.Errorf("config: swap_admission_margin must be in [0, 1)")
	}
	return nil
}
