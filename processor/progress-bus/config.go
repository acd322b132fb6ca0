package progressbus

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/loopworks/taskmesh/task"
)

// progressBusSchema defines the configuration schema.
var progressBusSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the progress-bus component.
type Config struct {
	// ListenAddr is the HTTP listen address for the WebSocket endpoint.
	ListenAddr string `json:"listen_addr" schema:"type:string,description:HTTP listen address,category:basic,default::8090"`

	// WSPath is the WebSocket upgrade path.
	WSPath string `json:"ws_path" schema:"type:string,description:WebSocket upgrade path,category:basic,default:/ws"`

	// StreamName is the JetStream stream carrying progress events.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream for progress events,category:basic,default:PROGRESS"`

	// ConsumerName is the durable consumer for the progress stream.
	ConsumerName string `json:"consumer_name" schema:"type:string,description:Durable consumer name,category:basic,default:progress-bus"`

	// PingInterval is how often the server pings idle connections.
	PingInterval string `json:"ping_interval" schema:"type:string,description:Server ping interval,category:advanced,default:54s"`

	// PongTimeout is how long a connection may stay silent before it is
	// dropped.
	PongTimeout string `json:"pong_timeout" schema:"type:string,description:Read deadline reset on pong,category:advanced,default:60s"`

	// WriteTimeout bounds individual frame writes.
	WriteTimeout string `json:"write_timeout" schema:"type:string,description:Per-frame write deadline,category:advanced,default:10s"`

	// MaxConnections caps concurrent WebSocket connections.
	MaxConnections int `json:"max_connections" schema:"type:int,description:Maximum concurrent connections,category:advanced,default:1000,min:1,max:100000"`

	// AllowedOrigins lists origins accepted during the upgrade. "*"
	// accepts any origin.
	AllowedOrigins []string `json:"allowed_origins" schema:"type:array,description:Origins accepted for upgrade,category:advanced"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     ":8090",
		WSPath:         "/ws",
		StreamName:     task.StreamProgress,
		ConsumerName:   "progress-bus",
		PingInterval:   "54s",
		PongTimeout:    "60s",
		WriteTimeout:   "10s",
		MaxConnections: 1000,
		AllowedOrigins: []string{"*"},
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "progress-events",
					Type:        "jetstream",
					Subject:     task.SubjectAllProgress,
					StreamName:  task.StreamProgress,
					Description: "Receive task lifecycle events for connected users",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.WSPath == "" {
		return fmt.Errorf("ws_path is required")
	}
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.ConsumerName == "" {
		return fmt.Errorf("consumer_name is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be at least 1")
	}

	for name, v := range map[string]string{
		"ping_interval": c.PingInterval,
		"pong_timeout":  c.PongTimeout,
		"write_timeout": c.WriteTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.GetPingInterval() >= c.GetPongTimeout() {
		return fmt.Errorf("pong_timeout must exceed ping_interval")
	}
	return nil
}

func parseDurationOr(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// GetPingInterval returns the server ping interval.
func (c *Config) GetPingInterval() time.Duration {
	return parseDurationOr(c.PingInterval, 54*time.Second)
}

// GetPongTimeout returns the silent-connection deadline.
func (c *Config) GetPongTimeout() time.Duration {
	return parseDurationOr(c.PongTimeout, 60*time.Second)
}

// GetWriteTimeout returns the per-frame write deadline.
func (c *Config) GetWriteTimeout() time.Duration {
	return parseDurationOr(c.WriteTimeout, 10*time.Second)
}
