// Package config provides configuration loading and management for Taskmesh.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Taskmesh configuration
type Config struct {
	NATS   NATSConfig   `yaml:"nats"`
	Queues QueuesConfig `yaml:"queues"`
	Worker WorkerConfig `yaml:"worker"`
	Bus    BusConfig    `yaml:"bus"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
}

// QueuesConfig configures the fast and heavy task lanes
type QueuesConfig struct {
	// FastConcurrency is the worker count for the fast lane
	FastConcurrency int `yaml:"fast_concurrency"`
	// HeavyConcurrency is the worker count for the heavy lane
	HeavyConcurrency int `yaml:"heavy_concurrency"`
	// FastSoftTimeLimit is the cooperative deadline for fast tasks
	FastSoftTimeLimit time.Duration `yaml:"fast_soft_time_limit"`
	// FastHardTimeLimit is the forced deadline for fast tasks
	FastHardTimeLimit time.Duration `yaml:"fast_hard_time_limit"`
	// HeavySoftTimeLimit is the cooperative deadline for heavy tasks
	HeavySoftTimeLimit time.Duration `yaml:"heavy_soft_time_limit"`
	// HeavyHardTimeLimit is the forced deadline for heavy tasks
	HeavyHardTimeLimit time.Duration `yaml:"heavy_hard_time_limit"`
}

// WorkerConfig configures retry and step execution behavior
type WorkerConfig struct {
	// MaxRetries bounds total invocations for retryable failures
	MaxRetries int `yaml:"max_retries"`
	// BackoffBase is the delay before the first retry
	BackoffBase time.Duration `yaml:"backoff_base"`
	// BackoffFactor multiplies the delay on each retry
	BackoffFactor float64 `yaml:"backoff_factor"`
	// BackoffCap limits the delay between retries
	BackoffCap time.Duration `yaml:"backoff_cap"`
	// ConfirmationTimeout bounds waits on user confirmation
	ConfirmationTimeout time.Duration `yaml:"confirmation_timeout"`
	// MaxParallelSteps bounds concurrent children of a parallel step
	MaxParallelSteps int `yaml:"max_parallel_steps"`
}

// BusConfig configures the WebSocket progress bus
type BusConfig struct {
	// ListenAddr is the HTTP listen address for the WebSocket endpoint
	ListenAddr string `yaml:"listen_addr"`
	// WSPath is the WebSocket upgrade path
	WSPath string `yaml:"ws_path"`
	// PingInterval is how often the server pings idle connections
	PingInterval time.Duration `yaml:"ping_interval"`
	// PongTimeout drops connections silent past this deadline
	PongTimeout time.Duration `yaml:"pong_timeout"`
	// MaxConnections caps concurrent WebSocket connections
	MaxConnections int `yaml:"max_connections"`
	// AllowedOrigins lists origins accepted during upgrade ("*" = any)
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		Queues: QueuesConfig{
			FastConcurrency:    4,
			HeavyConcurrency:   2,
			FastSoftTimeLimit:  5 * time.Minute,
			FastHardTimeLimit:  6 * time.Minute,
			HeavySoftTimeLimit: 30 * time.Minute,
			HeavyHardTimeLimit: 35 * time.Minute,
		},
		Worker: WorkerConfig{
			MaxRetries:          3,
			BackoffBase:         time.Second,
			BackoffFactor:       2.0,
			BackoffCap:          30 * time.Second,
			ConfirmationTimeout: 300 * time.Second,
			MaxParallelSteps:    8,
		},
		Bus: BusConfig{
			ListenAddr:     ":8090",
			WSPath:         "/ws",
			PingInterval:   54 * time.Second,
			PongTimeout:    60 * time.Second,
			MaxConnections: 1000,
			AllowedOrigins: []string{"*"},
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Queues.FastConcurrency < 1 {
		return fmt.Errorf("queues.fast_concurrency must be at least 1")
	}
	if c.Queues.HeavyConcurrency < 1 {
		return fmt.Errorf("queues.heavy_concurrency must be at least 1")
	}
	if c.Queues.FastSoftTimeLimit >= c.Queues.FastHardTimeLimit {
		return fmt.Errorf("queues.fast_hard_time_limit must exceed queues.fast_soft_time_limit")
	}
	if c.Queues.HeavySoftTimeLimit >= c.Queues.HeavyHardTimeLimit {
		return fmt.Errorf("queues.heavy_hard_time_limit must exceed queues.heavy_soft_time_limit")
	}
	if c.Worker.MaxRetries < 1 {
		return fmt.Errorf("worker.max_retries must be at least 1")
	}
	if c.Worker.BackoffFactor < 1 {
		return fmt.Errorf("worker.backoff_factor must be at least 1")
	}
	if c.Bus.ListenAddr == "" {
		return fmt.Errorf("bus.listen_addr is required")
	}
	if c.Bus.MaxConnections < 1 {
		return fmt.Errorf("bus.max_connections must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	// NATS
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}

	// Queues
	if other.Queues.FastConcurrency != 0 {
		c.Queues.FastConcurrency = other.Queues.FastConcurrency
	}
	if other.Queues.HeavyConcurrency != 0 {
		c.Queues.HeavyConcurrency = other.Queues.HeavyConcurrency
	}
	if other.Queues.FastSoftTimeLimit != 0 {
		c.Queues.FastSoftTimeLimit = other.Queues.FastSoftTimeLimit
	}
	if other.Queues.FastHardTimeLimit != 0 {
		c.Queues.FastHardTimeLimit = other.Queues.FastHardTimeLimit
	}
	if other.Queues.HeavySoftTimeLimit != 0 {
		c.Queues.HeavySoftTimeLimit = other.Queues.HeavySoftTimeLimit
	}
	if other.Queues.HeavyHardTimeLimit != 0 {
		c.Queues.HeavyHardTimeLimit = other.Queues.HeavyHardTimeLimit
	}

	// Worker
	if other.Worker.MaxRetries != 0 {
		c.Worker.MaxRetries = other.Worker.MaxRetries
	}
	if other.Worker.BackoffBase != 0 {
		c.Worker.BackoffBase = other.Worker.BackoffBase
	}
	if other.Worker.BackoffFactor != 0 {
		c.Worker.BackoffFactor = other.Worker.BackoffFactor
	}
	if other.Worker.BackoffCap != 0 {
		c.Worker.BackoffCap = other.Worker.BackoffCap
	}
	if other.Worker.ConfirmationTimeout != 0 {
		c.Worker.ConfirmationTimeout = other.Worker.ConfirmationTimeout
	}
	if other.Worker.MaxParallelSteps != 0 {
		c.Worker.MaxParallelSteps = other.Worker.MaxParallelSteps
	}

	// Bus
	if other.Bus.ListenAddr != "" {
		c.Bus.ListenAddr = other.Bus.ListenAddr
	}
	if other.Bus.WSPath != "" {
		c.Bus.WSPath = other.Bus.WSPath
	}
	if other.Bus.PingInterval != 0 {
		c.Bus.PingInterval = other.Bus.PingInterval
	}
	if other.Bus.PongTimeout != 0 {
		c.Bus.PongTimeout = other.Bus.PongTimeout
	}
	if other.Bus.MaxConnections != 0 {
		c.Bus.MaxConnections = other.Bus.MaxConnections
	}
	if len(other.Bus.AllowedOrigins) > 0 {
		c.Bus.AllowedOrigins = other.Bus.AllowedOrigins
	}
}
