// Copyright 2026 The zeroclaw Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides configuration loading for the zeroclaw control
// plane.
//
// Configuration is loaded from a single file specified by:
//   - ZEROCLAW_CP_CONFIG environment variable, or
//   - --config flag passed to the command
//
// There are no fallbacks or automatic discovery. This ensures
// deterministic, auditable configuration with no hidden overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for the control plane process.
type Config struct {
	// BaseDir is the root directory for all control plane state:
	// registry.db, secret.key, and the per-instance directory tree.
	// Defaults to ~/.zeroclaw/cp.
	BaseDir string `yaml:"base_dir"`

	// HTTP configures the core HTTP surface.
	HTTP HTTPConfig `yaml:"http"`

	// Supervisor configures the lifecycle supervisor loop.
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Delivery configures the message delivery worker pool.
	Delivery DeliveryConfig `yaml:"delivery"`

	// Lock configures per-instance advisory lock behavior.
	Lock LockConfig `yaml:"lock"`

	// Lifecycle configures how instance processes are spawned.
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
}

// LifecycleConfig configures Process Control's spawn behavior.
type LifecycleConfig struct {
	// AgentBinary is the executable spawned for every instance. Each
	// instance is invoked as `AgentBinary -config <instance config_path>`.
	AgentBinary string `yaml:"agent_binary"`

	// GracefulStopTimeout bounds how long Stop waits after SIGTERM
	// before escalating to SIGKILL. Default 10s.
	GracefulStopTimeout time.Duration `yaml:"graceful_stop_timeout"`
}

// HTTPConfig configures the core HTTP surface.
type HTTPConfig struct {
	// ListenAddr is the address the HTTP surface binds, e.g. "127.0.0.1:8700".
	ListenAddr string `yaml:"listen_addr"`
}

// SupervisorConfig configures the lifecycle supervisor loop.
type SupervisorConfig struct {
	// SweepInterval is how often the supervisor checks instance liveness.
	// Bounded to [1s, 30s]; out-of-range values are clamped.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// DeliveryConfig configures the message delivery worker pool.
type DeliveryConfig struct {
	// WorkerCount is the number of concurrent delivery workers.
	WorkerCount int `yaml:"worker_count"`

	// AttemptTimeout bounds a single delivery HTTP call.
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`

	// LeaseDuration bounds how long a worker holds a leased message
	// before another worker may re-lease it.
	LeaseDuration time.Duration `yaml:"lease_duration"`

	// TTLSweepInterval is how often expired queued messages are swept
	// to dead_letter.
	TTLSweepInterval time.Duration `yaml:"ttl_sweep_interval"`
}

// LockConfig configures per-instance advisory lock acquisition.
type LockConfig struct {
	// AcquireTimeout bounds total time spent retrying a contended lock.
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// Default returns the default configuration. These defaults ensure all
// fields have sensible zero-values before a config file is merged in —
// not a fallback for a missing file, since the file is required.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	baseDir := filepath.Join(homeDir, ".zeroclaw", "cp")

	return &Config{
		BaseDir: baseDir,
		HTTP: HTTPConfig{
			ListenAddr: "127.0.0.1:8700",
		},
		Supervisor: SupervisorConfig{
			SweepInterval: 5 * time.Second,
		},
		Delivery: DeliveryConfig{
			WorkerCount:      4,
			AttemptTimeout:   10 * time.Second,
			LeaseDuration:    30 * time.Second,
			TTLSweepInterval: 30 * time.Second,
		},
		Lock: LockConfig{
			AcquireTimeout: 2 * time.Second,
		},
		Lifecycle: LifecycleConfig{
			GracefulStopTimeout: 10 * time.Second,
		},
	}
}

// Load loads configuration from the ZEROCLAW_CP_CONFIG environment
// variable. There is no fallback: if the variable is unset, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv("ZEROCLAW_CP_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("ZEROCLAW_CP_CONFIG environment variable not set; " +
			"set it to the path of your zeroclaw-cp.yaml config file, or use --config")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path, merging it
// onto the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	cfg.clampBounds()
	return cfg, nil
}

// clampBounds enforces the hard lower/upper bounds named in the
// concurrency model: sweep interval in [1s, 30s], lease in (0, 5m],
// graceful stop timeout in [1s, 30s].
func (c *Config) clampBounds() {
	if c.Supervisor.SweepInterval < time.Second {
		c.Supervisor.SweepInterval = time.Second
	}
	if c.Supervisor.SweepInterval > 30*time.Second {
		c.Supervisor.SweepInterval = 30 * time.Second
	}
	if c.Delivery.WorkerCount <= 0 {
		c.Delivery.WorkerCount = 4
	}
	if c.Delivery.AttemptTimeout <= 0 {
		c.Delivery.AttemptTimeout = 10 * time.Second
	}
	if c.Delivery.LeaseDuration <= 0 {
		c.Delivery.LeaseDuration = 30 * time.Second
	}
	if c.Delivery.LeaseDuration > 5*time.Minute {
		c.Delivery.LeaseDuration = 5 * time.Minute
	}
	if c.Delivery.TTLSweepInterval <= 0 {
		c.Delivery.TTLSweepInterval = 30 * time.Second
	}
	if c.Lock.AcquireTimeout <= 0 {
		c.Lock.AcquireTimeout = 2 * time.Second
	}
	if c.Lifecycle.GracefulStopTimeout <= 0 {
		c.Lifecycle.GracefulStopTimeout = 10 * time.Second
	}
	if c.Lifecycle.GracefulStopTimeout < time.Second {
		c.Lifecycle.GracefulStopTimeout = time.Second
	}
	if c.Lifecycle.GracefulStopTimeout > 30*time.Second {
		c.Lifecycle.GracefulStopTimeout = 30 * time.Second
	}
}

// Validate checks the configuration for errors beyond clampable bounds.
func (c *Config) Validate() error {
	if c.BaseDir == "" {
		return fmt.Errorf("base_dir is required")
	}
	if c.HTTP.ListenAddr == "" {
		return fmt.Errorf("http.listen_addr is required")
	}
	return nil
}

// RegistryPath returns the path to the embedded database file.
func (c *Config) RegistryPath() string {
	return filepath.Join(c.BaseDir, "registry.db")
}

// SecretKeyPath returns the path to the master secret key file.
func (c *Config) SecretKeyPath() string {
	return filepath.Join(c.BaseDir, "secret.key")
}

// InstanceDir returns the per-instance directory for the given instance UUID.
func (c *Config) InstanceDir(instanceID string) string {
	return filepath.Join(c.BaseDir, "instances", instanceID)
}

// EnsurePaths creates the base directory and instances root if missing.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.BaseDir, filepath.Join(c.BaseDir, "instances")} {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
