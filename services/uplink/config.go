// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package uplink

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/uplink/pkg/logging"
	"github.com/AleutianAI/uplink/services/resilience"
	"github.com/AleutianAI/uplink/services/resilience/probe"
	redisstore "github.com/AleutianAI/uplink/services/resilience/storage/redis"
	"github.com/AleutianAI/uplink/services/uplink/telemetry"
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// configValidate is the validator instance for service configuration.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
}

// =============================================================================
// Configuration Types
// =============================================================================

// Config is the top-level service configuration. It is read from a YAML
// file, then overridden by UPLINK_* environment variables, with compiled-in
// defaults underneath both.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Logging    logging.Config   `yaml:"logging"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
	Store      StoreConfig      `yaml:"store"`
	Probe      ProbeConfig      `yaml:"probe"`
	Resilience ResilienceConfig `yaml:"resilience"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host to bind. Empty binds all interfaces.
	Host string `yaml:"host"`

	// Port to listen on. Default: 12230.
	Port int `yaml:"port" validate:"min=1,max=65535"`

	// Mode is the Gin mode: release or debug. Default: release.
	Mode string `yaml:"mode" validate:"oneof=release debug test"`
}

// StoreConfig selects and tunes the durable backend for recovery sessions.
type StoreConfig struct {
	// Backend is "badger" (embedded, default) or "redis" (shared).
	Backend string `yaml:"backend" validate:"oneof=badger redis"`

	// Badger configures the embedded store. Used when Backend is "badger".
	Badger BadgerConfig `yaml:"badger"`

	// Redis configures the shared store. Used when Backend is "redis".
	Redis redisstore.Config `yaml:"redis"`
}

// BadgerConfig holds the file-backed store settings exposed to operators.
type BadgerConfig struct {
	// Path is the directory for the database files.
	Path string `yaml:"path"`

	// InMemory drops persistence entirely. Sessions die with the process.
	InMemory bool `yaml:"in_memory"`

	// SyncWrites fsyncs every write. Default: true.
	SyncWrites bool `yaml:"sync_writes"`
}

// ProbeConfig wraps the network prober settings with an enable switch.
// Disabled probers make CheckNetworkHealth answer 503 instead of probing.
type ProbeConfig struct {
	// Enabled turns the prober on. Requires HealthURL.
	Enabled bool `yaml:"enabled"`

	// HealthURL is the endpoint for the latency measurement.
	HealthURL string `yaml:"health_url" validate:"required_if=Enabled true,omitempty,url"`

	// SampleURL serves a payload for the bandwidth measurement. Optional.
	SampleURL string `yaml:"sample_url" validate:"omitempty,url"`

	// Timeout bounds each probe phase. Default: 5s.
	Timeout time.Duration `yaml:"timeout"`
}

// ResilienceConfig tunes the retry, breaker, queue, and session components.
type ResilienceConfig struct {
	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`
	Queue   QueueConfig   `yaml:"queue"`
	Session SessionConfig `yaml:"session"`
}

// RetryConfig is the default retry policy for upload operations.
type RetryConfig struct {
	// MaxRetries after the initial attempt. Default: 3.
	MaxRetries int `yaml:"max_retries" validate:"min=0"`

	// BaseDelay before the first retry. Default: 1s.
	BaseDelay time.Duration `yaml:"base_delay"`

	// MaxDelay caps the exponential backoff. Default: 30s.
	MaxDelay time.Duration `yaml:"max_delay"`

	// ExponentialBackoff doubles the delay per attempt. Default: true.
	ExponentialBackoff bool `yaml:"exponential_backoff"`

	// Jitter stretches each wait by a random factor. Default: true.
	Jitter bool `yaml:"jitter"`
}

// BreakerConfig tunes the shared circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens the
	// circuit. Default: 5.
	FailureThreshold int `yaml:"failure_threshold" validate:"min=1"`

	// Cooldown is how long the circuit stays open before probing resumes.
	// Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`
}

// QueueConfig tunes the deferred-operation queue and its drain loop.
type QueueConfig struct {
	// MaxItemRetries before a drained item is dropped for good. Default: 3.
	MaxItemRetries int `yaml:"max_item_retries" validate:"min=0"`

	// PaceInterval is the pause between drained items. Default: 100ms.
	PaceInterval time.Duration `yaml:"pace_interval"`

	// RedrainDelay before another drain pass when items remain. Default: 5s.
	RedrainDelay time.Duration `yaml:"redrain_delay"`
}

// SessionConfig tunes recovery session retention.
type SessionConfig struct {
	// MaxAge is how long a session stays recoverable after its last
	// activity. Default: 24h.
	MaxAge time.Duration `yaml:"max_age"`

	// SweepInterval is how often expired sessions are deleted. Default: 1h.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// =============================================================================
// Defaults and Loading
// =============================================================================

// DefaultConfig returns the compiled-in configuration. Every value can be
// overridden by the config file or by environment variables.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port: 12230,
			Mode: "release",
		},
		Logging: logging.Config{
			Level:   "info",
			Format:  "auto",
			Service: "uplink",
		},
		Telemetry: telemetry.DefaultConfig(),
		Store: StoreConfig{
			Backend: "badger",
			Badger: BadgerConfig{
				Path:       defaultBadgerPath(),
				SyncWrites: true,
			},
			Redis: redisstore.DefaultConfig(),
		},
		Probe: ProbeConfig{
			Timeout: 5 * time.Second,
		},
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxRetries:         3,
				BaseDelay:          1 * time.Second,
				MaxDelay:           30 * time.Second,
				ExponentialBackoff: true,
				Jitter:             true,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
			Queue: QueueConfig{
				MaxItemRetries: 3,
				PaceInterval:   100 * time.Millisecond,
				RedrainDelay:   5 * time.Second,
			},
			Session: SessionConfig{
				MaxAge:        24 * time.Hour,
				SweepInterval: 1 * time.Hour,
			},
		},
	}
}

// defaultBadgerPath places the embedded store under the user's home
// directory, falling back to a relative path when home is unknown.
func defaultBadgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".uplink/sessions"
	}
	return home + "/.uplink/sessions"
}

// LoadConfig builds the effective configuration.
//
// Description:
//
//	Starts from DefaultConfig, merges the YAML file at path over it when
//	path is non-empty, then applies UPLINK_* environment overrides, and
//	finally validates the result. ${VAR} references inside the file are
//	expanded from the environment before parsing, so secrets like the
//	Redis password can stay out of the file itself.
//
// Inputs:
//
//	path - Config file location. Empty skips the file entirely.
//
// Outputs:
//
//	*Config - The effective configuration.
//	error - Non-nil when the file is unreadable, malformed, or the merged
//	result fails validation.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides lets deployment environments beat the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("UPLINK_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("UPLINK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("UPLINK_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("UPLINK_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("UPLINK_STORE_BACKEND"); v != "" {
		c.Store.Backend = v
	}
	if v := os.Getenv("UPLINK_BADGER_PATH"); v != "" {
		c.Store.Badger.Path = v
	}
	if v := os.Getenv("UPLINK_REDIS_URL"); v != "" {
		c.Store.Redis.URL = v
	}
	if v := os.Getenv("UPLINK_REDIS_PASSWORD"); v != "" {
		c.Store.Redis.Password = v
	}
	if v := os.Getenv("UPLINK_PROBE_HEALTH_URL"); v != "" {
		c.Probe.Enabled = true
		c.Probe.HealthURL = v
	}
	if v := os.Getenv("UPLINK_PROBE_SAMPLE_URL"); v != "" {
		c.Probe.SampleURL = v
	}
}

// Validate checks the merged configuration for operator mistakes.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Store.Backend == "badger" && !c.Store.Badger.InMemory && c.Store.Badger.Path == "" {
		return fmt.Errorf("invalid configuration: store.badger.path is required for a persistent store")
	}
	return nil
}

// CoordinatorConfig maps the operator-facing settings onto the resilience
// core's component tuning.
func (c *Config) CoordinatorConfig() resilience.CoordinatorConfig {
	return resilience.CoordinatorConfig{
		Retry: &resilience.RetryConfig{
			MaxRetries:         c.Resilience.Retry.MaxRetries,
			BaseDelay:          c.Resilience.Retry.BaseDelay,
			MaxDelay:           c.Resilience.Retry.MaxDelay,
			ExponentialBackoff: c.Resilience.Retry.ExponentialBackoff,
			JitterEnabled:      c.Resilience.Retry.Jitter,
		},
		Breaker: resilience.CircuitBreakerConfig{
			FailureThreshold: c.Resilience.Breaker.FailureThreshold,
			CooldownPeriod:   c.Resilience.Breaker.Cooldown,
		},
		Queue: resilience.QueueConfig{
			MaxItemRetries: c.Resilience.Queue.MaxItemRetries,
			PaceInterval:   c.Resilience.Queue.PaceInterval,
			RedrainDelay:   c.Resilience.Queue.RedrainDelay,
		},
		Store: resilience.SessionStoreConfig{
			MaxAge: c.Resilience.Session.MaxAge,
		},
		Sweeper: resilience.SweeperConfig{
			Interval: c.Resilience.Session.SweepInterval,
		},
		Probe: c.Probe.probeConfig(),
	}
}

// probeConfig converts the wrapper into the prober's own config, or nil
// when probing is disabled.
func (p ProbeConfig) probeConfig() *probe.Config {
	if !p.Enabled {
		return nil
	}
	return &probe.Config{
		HealthURL: p.HealthURL,
		SampleURL: p.SampleURL,
		Timeout:   p.Timeout,
	}
}
