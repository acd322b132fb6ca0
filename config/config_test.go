package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("expected default NATS URL nats://localhost:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Queues.FastConcurrency != 4 {
		t.Errorf("expected fast concurrency 4, got %d", cfg.Queues.FastConcurrency)
	}
	if cfg.Queues.HeavyConcurrency != 2 {
		t.Errorf("expected heavy concurrency 2, got %d", cfg.Queues.HeavyConcurrency)
	}
	if cfg.Worker.MaxRetries != 3 {
		t.Errorf("expected max retries 3, got %d", cfg.Worker.MaxRetries)
	}
	if cfg.Worker.ConfirmationTimeout != 300*time.Second {
		t.Errorf("expected confirmation timeout 300s, got %v", cfg.Worker.ConfirmationTimeout)
	}
	if cfg.Bus.ListenAddr != ":8090" {
		t.Errorf("expected bus listen addr :8090, got %s", cfg.Bus.ListenAddr)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing NATS URL",
			modify:  func(c *Config) { c.NATS.URL = "" },
			wantErr: true,
		},
		{
			name:    "zero fast concurrency",
			modify:  func(c *Config) { c.Queues.FastConcurrency = 0 },
			wantErr: true,
		},
		{
			name: "fast hard limit below soft limit",
			modify: func(c *Config) {
				c.Queues.FastHardTimeLimit = c.Queues.FastSoftTimeLimit - time.Second
			},
			wantErr: true,
		},
		{
			name: "heavy hard limit equals soft limit",
			modify: func(c *Config) {
				c.Queues.HeavyHardTimeLimit = c.Queues.HeavySoftTimeLimit
			},
			wantErr: true,
		},
		{
			name:    "zero max retries",
			modify:  func(c *Config) { c.Worker.MaxRetries = 0 },
			wantErr: true,
		},
		{
			name:    "backoff factor below one",
			modify:  func(c *Config) { c.Worker.BackoffFactor = 0.5 },
			wantErr: true,
		},
		{
			name:    "zero max connections",
			modify:  func(c *Config) { c.Bus.MaxConnections = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	// Create temp file with config
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `
nats:
  url: "nats://test:4222"
queues:
  fast_concurrency: 8
  heavy_concurrency: 3
  fast_soft_time_limit: 2m
  fast_hard_time_limit: 3m
worker:
  max_retries: 5
  backoff_base: 500ms
  confirmation_timeout: 2m
bus:
  listen_addr: ":9000"
  max_connections: 50
  allowed_origins:
    - "https://app.example.com"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Queues.FastConcurrency != 8 {
		t.Errorf("expected fast concurrency 8, got %d", cfg.Queues.FastConcurrency)
	}
	if cfg.Queues.FastSoftTimeLimit != 2*time.Minute {
		t.Errorf("expected fast soft limit 2m, got %v", cfg.Queues.FastSoftTimeLimit)
	}
	if cfg.Worker.MaxRetries != 5 {
		t.Errorf("expected max retries 5, got %d", cfg.Worker.MaxRetries)
	}
	if cfg.Worker.BackoffBase != 500*time.Millisecond {
		t.Errorf("expected backoff base 500ms, got %v", cfg.Worker.BackoffBase)
	}
	if cfg.Bus.ListenAddr != ":9000" {
		t.Errorf("expected bus listen addr :9000, got %s", cfg.Bus.ListenAddr)
	}
	if len(cfg.Bus.AllowedOrigins) != 1 || cfg.Bus.AllowedOrigins[0] != "https://app.example.com" {
		t.Errorf("expected one allowed origin, got %v", cfg.Bus.AllowedOrigins)
	}
	// Unset fields keep their defaults
	if cfg.Queues.HeavySoftTimeLimit != 30*time.Minute {
		t.Errorf("expected heavy soft limit to remain default, got %v", cfg.Queues.HeavySoftTimeLimit)
	}
}

func TestConfigMerge(t *testing.T) {
	base := DefaultConfig()
	override := &Config{
		NATS: NATSConfig{
			URL: "nats://override:4222",
		},
		Worker: WorkerConfig{
			MaxRetries: 7,
		},
	}

	base.Merge(override)

	if base.NATS.URL != "nats://override:4222" {
		t.Errorf("expected NATS URL nats://override:4222, got %s", base.NATS.URL)
	}
	if base.Worker.MaxRetries != 7 {
		t.Errorf("expected max retries 7, got %d", base.Worker.MaxRetries)
	}
	// Unset fields should remain from base
	if base.Queues.FastConcurrency != 4 {
		t.Errorf("expected fast concurrency to remain default, got %d", base.Queues.FastConcurrency)
	}
	if base.Bus.ListenAddr != ":8090" {
		t.Errorf("expected bus listen addr to remain default, got %s", base.Bus.ListenAddr)
	}
}

func TestConfigSaveToFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "subdir", "config.yaml")

	cfg := DefaultConfig()
	cfg.NATS.URL = "nats://saved:4222"

	if err := cfg.SaveToFile(configPath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	// Verify file was created
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		t.Error("config file was not created")
	}

	// Load and verify
	loaded, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("failed to load saved config: %v", err)
	}
	if loaded.NATS.URL != "nats://saved:4222" {
		t.Errorf("expected NATS URL nats://saved:4222, got %s", loaded.NATS.URL)
	}
}
