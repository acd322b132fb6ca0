// Package commands provides the taskmesh CLI verbs for submitting,
// inspecting and cancelling tasks.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/c360studio/semstreams/natsclient"

	"github.com/loopworks/taskmesh/config"
)

// resolveNATSURL picks the broker URL: flag, then environment, then the
// layered config files.
func resolveNATSURL(flagURL string) string {
	if flagURL != "" {
		return flagURL
	}
	if envURL := os.Getenv(config.EnvNATSURL); envURL != "" {
		return envURL
	}
	cfg, err := config.NewLoader(slog.Default()).Load()
	if err != nil {
		return "nats://localhost:4222"
	}
	return cfg.NATS.URL
}

// connect dials the broker and waits for the connection to settle.
func connect(ctx context.Context, url string) (*natsclient.Client, error) {
	client, err := natsclient.NewClient(url,
		natsclient.WithName("taskmesh-cli"),
		natsclient.WithMaxReconnects(3),
		natsclient.WithReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	if err := client.Connect(ctx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		return nil, wrapNATSError(err, url)
	}

	return client, nil
}

// wrapNATSError provides helpful guidance when NATS connection fails.
func wrapNATSError(err error, url string) error {
	errStr := err.Error()

	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "no servers available") ||
		strings.Contains(errStr, "timeout") {
		return fmt.Errorf(`NATS connection failed: %w

NATS is not running at %s.

To start NATS:
  docker compose up -d nats

Or set %s to point to your NATS server.`, err, url, config.EnvNATSURL)
	}

	return fmt.Errorf("NATS connection failed: %w", err)
}

// readArgOrFile interprets a value as inline content or, when prefixed
// with @, as a file path to read.
func readArgOrFile(v string) ([]byte, error) {
	if v == "" {
		return nil, nil
	}
	if strings.HasPrefix(v, "@") {
		data, err := os.ReadFile(strings.TrimPrefix(v, "@"))
		if err != nil {
			return nil, fmt.Errorf("read file: %w", err)
		}
		return data, nil
	}
	return []byte(v), nil
}
