// Package main provides the taskmesh binary entry point.
// Taskmesh executes queued service tasks over NATS: two queue lanes,
// a (mode, service) dispatch registry, step trees with user
// confirmation, and a WebSocket progress bus.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	// Register built-in services via init()
	_ "github.com/loopworks/taskmesh/services/textanalyzer"

	"github.com/c360studio/semstreams/component"
	"github.com/c360studio/semstreams/componentregistry"
	streamscfg "github.com/c360studio/semstreams/config"
	"github.com/c360studio/semstreams/metric"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/c360studio/semstreams/service"
	"github.com/c360studio/semstreams/types"
	"github.com/spf13/cobra"

	"github.com/loopworks/taskmesh/commands"
	"github.com/loopworks/taskmesh/config"
	progressbus "github.com/loopworks/taskmesh/processor/progress-bus"
	taskworker "github.com/loopworks/taskmesh/processor/task-worker"
	"github.com/loopworks/taskmesh/task"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "taskmesh"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "taskmesh",
		Short: "Task execution service",
		Long: `Taskmesh executes queued service tasks over NATS.

It provides:
- Fast and heavy queue lanes with soft and hard time limits
- A (mode, service) registry dispatching named operations
- Multi-step task trees with conditionals, parallelism and
  blocking user confirmation
- A WebSocket progress bus streaming per-user lifecycle events

All components communicate via NATS using the semstreams framework.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, logLevel)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	// Client verbs
	cmd.AddCommand(commands.NewSubmitCommand())
	cmd.AddCommand(commands.NewStatusCommand())
	cmd.AddCommand(commands.NewCancelCommand())

	// Version command
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})

	return cmd
}

func run(configPath, logLevel string) error {
	// Configure logging
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := loadConfig(configPath, logger)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Connect to NATS
	ctx := context.Background()
	natsClient, err := connectToNATS(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close(ctx)

	// Build the semstreams platform config from the taskmesh config
	platformCfg := buildPlatformConfig(cfg)

	// Ensure JetStream streams exist
	if err := ensureStreams(ctx, platformCfg, natsClient, logger); err != nil {
		return err
	}

	slog.Info("Taskmesh ready", "version", Version)

	// Create remaining infrastructure
	metricsRegistry := metric.NewMetricsRegistry()
	platform := types.PlatformMeta{
		Org:      platformCfg.Platform.Org,
		Platform: platformCfg.Platform.ID,
	}

	// Create and start config manager (required for component-manager to access component configs)
	configManager, err := streamscfg.NewConfigManager(platformCfg, natsClient, logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := configManager.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	defer configManager.Stop(5 * time.Second)

	// Create and populate component registry
	componentRegistry := component.NewRegistry()

	// Register all semstreams components
	slog.Debug("Registering semstreams component factories")
	if err := componentregistry.Register(componentRegistry); err != nil {
		return fmt.Errorf("register semstreams components: %w", err)
	}

	// Register taskmesh-specific components
	slog.Debug("Registering taskmesh component factories")
	if err := taskworker.Register(componentRegistry); err != nil {
		return fmt.Errorf("register task-worker: %w", err)
	}
	if err := progressbus.Register(componentRegistry); err != nil {
		return fmt.Errorf("register progress-bus: %w", err)
	}

	factories := componentRegistry.ListFactories()
	slog.Info("Component factories registered", "count", len(factories))

	// Create service registry and manager (semstreams pattern)
	serviceRegistry := service.NewServiceRegistry()
	if err := service.RegisterAll(serviceRegistry); err != nil {
		return fmt.Errorf("register services: %w", err)
	}

	manager := service.NewServiceManager(serviceRegistry)
	ensureServiceManagerConfig(platformCfg)

	// Create service dependencies
	svcDeps := &service.Dependencies{
		NATSClient:        natsClient,
		MetricsRegistry:   metricsRegistry,
		Logger:            logger,
		Platform:          platform,
		Manager:           configManager,
		ComponentRegistry: componentRegistry,
	}

	// Configure and create services
	if err := configureAndCreateServices(platformCfg, manager, svcDeps); err != nil {
		return err
	}

	slog.Info("All services configured")

	// Setup signal handling
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	// Start all services (includes HTTP server with health endpoints)
	slog.Info("Starting all services")
	if err := manager.StartAll(signalCtx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}
	slog.Info("All services started successfully")

	// Block until shutdown signal
	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	// Stop all services
	shutdownTimeout := 30 * time.Second
	if err := manager.StopAll(shutdownTimeout); err != nil {
		slog.Error("Error stopping services", "error", err)
	}

	slog.Info("Taskmesh shutdown complete")
	return nil
}

func loadConfig(configPath string, logger *slog.Logger) (*config.Config, error) {
	if configPath != "" {
		cfg, err := config.LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return config.NewLoader(logger).Load()
}

// buildPlatformConfig maps the taskmesh config onto the semstreams
// platform config: stream layout plus the two taskmesh components.
func buildPlatformConfig(cfg *config.Config) *streamscfg.Config {
	workerConfig := map[string]any{
		"fast_concurrency":      cfg.Queues.FastConcurrency,
		"heavy_concurrency":     cfg.Queues.HeavyConcurrency,
		"fast_soft_time_limit":  cfg.Queues.FastSoftTimeLimit.String(),
		"fast_hard_time_limit":  cfg.Queues.FastHardTimeLimit.String(),
		"heavy_soft_time_limit": cfg.Queues.HeavySoftTimeLimit.String(),
		"heavy_hard_time_limit": cfg.Queues.HeavyHardTimeLimit.String(),
		"max_retries":           cfg.Worker.MaxRetries,
		"backoff_base":          cfg.Worker.BackoffBase.String(),
		"backoff_factor":        cfg.Worker.BackoffFactor,
		"backoff_cap":           cfg.Worker.BackoffCap.String(),
		"confirmation_timeout":  cfg.Worker.ConfirmationTimeout.String(),
		"max_parallel_steps":    cfg.Worker.MaxParallelSteps,
	}
	workerJSON, _ := json.Marshal(workerConfig)

	busConfig := map[string]any{
		"listen_addr":     cfg.Bus.ListenAddr,
		"ws_path":         cfg.Bus.WSPath,
		"ping_interval":   cfg.Bus.PingInterval.String(),
		"pong_timeout":    cfg.Bus.PongTimeout.String(),
		"max_connections": cfg.Bus.MaxConnections,
		"allowed_origins": cfg.Bus.AllowedOrigins,
	}
	busJSON, _ := json.Marshal(busConfig)

	return &streamscfg.Config{
		Version: "1.0.0",
		Platform: streamscfg.PlatformConfig{
			Org:         "taskmesh",
			ID:          "taskmesh-local",
			Environment: "dev",
		},
		NATS: streamscfg.NATSConfig{
			URLs:          []string{cfg.NATS.URL},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
			JetStream: streamscfg.JetStreamConfig{
				Enabled: true,
			},
		},
		Services: types.ServiceConfigs{},
		Components: streamscfg.ComponentConfigs{
			"task-worker": types.ComponentConfig{
				Name:    "task-worker",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  workerJSON,
			},
			"progress-bus": types.ComponentConfig{
				Name:    "progress-bus",
				Type:    types.ComponentTypeProcessor,
				Enabled: true,
				Config:  busJSON,
			},
		},
		Streams: streamscfg.StreamConfigs{
			task.StreamTasks: streamscfg.StreamConfig{
				Subjects: []string{task.SubjectAllTasks},
				MaxAge:   "24h",
				Storage:  "file",
				Replicas: 1,
			},
			task.StreamProgress: streamscfg.StreamConfig{
				Subjects: []string{task.SubjectAllProgress},
				MaxAge:   "24h",
				Storage:  "memory",
				Replicas: 1,
			},
		},
	}
}

func connectToNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*natsclient.Client, error) {
	natsURL := cfg.NATS.URL

	// Environment variable overrides take precedence
	if envURL := os.Getenv("NATS_URL"); envURL != "" {
		natsURL = envURL
	} else if envURL := os.Getenv(config.EnvNATSURL); envURL != "" {
		natsURL = envURL
	}

	logger.Info("Connecting to NATS", "url", natsURL)

	client, err := natsclient.NewClient(natsURL,
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(-1),
		natsclient.WithReconnectWait(time.Second),
		natsclient.WithCircuitBreakerThreshold(20), // Higher threshold for startup bursts
		natsclient.WithHealthInterval(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, natsURL)
	}

	logger.Info("Connected to NATS", "url", natsURL)
	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	// Check for common connection errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set NATS_URL environment variable to point to your NATS server.`, err, url)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

func ensureStreams(ctx context.Context, cfg *streamscfg.Config, natsClient *natsclient.Client, logger *slog.Logger) error {
	logger.Debug("Creating JetStream streams")
	streamsManager := streamscfg.NewStreamsManager(natsClient, logger)

	if err := streamsManager.EnsureStreams(ctx, cfg); err != nil {
		return fmt.Errorf("ensure streams: %w", err)
	}

	logger.Debug("JetStream streams ready")
	return nil
}

// ensureServiceManagerConfig ensures service-manager config exists with defaults
func ensureServiceManagerConfig(cfg *streamscfg.Config) {
	if cfg.Services == nil {
		cfg.Services = make(types.ServiceConfigs)
	}

	if _, exists := cfg.Services["service-manager"]; !exists {
		slog.Debug("Adding default service-manager config")
		defaultConfig := map[string]any{
			"http_port":  8080,
			"swagger_ui": false,
			"server_info": map[string]string{
				"title":       "Taskmesh API",
				"description": "task execution service - queue lanes, dispatch and progress",
				"version":     Version,
			},
		}
		defaultConfigJSON, _ := json.Marshal(defaultConfig)
		cfg.Services["service-manager"] = types.ServiceConfig{
			Name:    "service-manager",
			Enabled: true,
			Config:  defaultConfigJSON,
		}
		slog.Debug("Service-manager config added", "enabled", true)
	}
}

// configureAndCreateServices configures the manager and creates all services
func configureAndCreateServices(
	cfg *streamscfg.Config,
	manager *service.Manager,
	svcDeps *service.Dependencies,
) error {
	slog.Debug("Configuring Manager")
	if err := manager.ConfigureFromServices(cfg.Services, svcDeps); err != nil {
		return fmt.Errorf("configure service manager: %w", err)
	}

	slog.Debug("Creating services from config", "count", len(cfg.Services))
	for name, svcConfig := range cfg.Services {
		if name == "service-manager" {
			slog.Debug("Skipping service-manager (configured directly)")
			continue
		}

		if err := createServiceIfEnabled(manager, name, svcConfig, svcDeps); err != nil {
			return err
		}
	}

	return nil
}

// createServiceIfEnabled creates a service if it's enabled and registered
func createServiceIfEnabled(
	manager *service.Manager,
	name string,
	svcConfig types.ServiceConfig,
	svcDeps *service.Dependencies,
) error {
	slog.Debug("Processing service config", "key", name, "name", svcConfig.Name, "enabled", svcConfig.Enabled)

	if !svcConfig.Enabled {
		slog.Info("Service disabled in config", "name", name)
		return nil
	}

	if !manager.HasConstructor(name) {
		slog.Warn("Service configured but not registered", "key", name, "available_constructors", manager.ListConstructors())
		return nil
	}

	slog.Debug("Creating service", "name", name, "has_constructor", true)
	if _, err := manager.CreateService(name, svcConfig.Config, svcDeps); err != nil {
		return fmt.Errorf("create service %s: %w", name, err)
	}

	slog.Info("Created service", "name", name, "config_name", svcConfig.Name)
	return nil
}
