package taskworker

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/loopworks/taskmesh/task"
)

// taskWorkerSchema defines the configuration schema.
var taskWorkerSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the task-worker component.
type Config struct {
	// StreamName is the JetStream stream carrying queue submissions.
	StreamName string `json:"stream_name" schema:"type:string,description:JetStream stream for task submissions,category:basic,default:TASKS"`

	// FastConsumerName is the durable consumer for the fast lane.
	FastConsumerName string `json:"fast_consumer_name" schema:"type:string,description:Durable consumer name for the fast lane,category:basic,default:task-worker-fast"`

	// HeavyConsumerName is the durable consumer for the heavy lane.
	HeavyConsumerName string `json:"heavy_consumer_name" schema:"type:string,description:Durable consumer name for the heavy lane,category:basic,default:task-worker-heavy"`

	// FastConcurrency is the worker count for the fast lane.
	FastConcurrency int `json:"fast_concurrency" schema:"type:int,description:Workers for the fast lane,category:advanced,default:4,min:1,max:32"`

	// HeavyConcurrency is the worker count for the heavy lane.
	HeavyConcurrency int `json:"heavy_concurrency" schema:"type:int,description:Workers for the heavy lane,category:advanced,default:2,min:1,max:16"`

	// FastSoftTimeLimit is the cooperative deadline for fast tasks.
	FastSoftTimeLimit string `json:"fast_soft_time_limit" schema:"type:string,description:Soft deadline for fast tasks,category:advanced,default:5m"`

	// FastHardTimeLimit is the forced deadline for fast tasks.
	FastHardTimeLimit string `json:"fast_hard_time_limit" schema:"type:string,description:Hard deadline for fast tasks,category:advanced,default:6m"`

	// HeavySoftTimeLimit is the cooperative deadline for heavy tasks.
	HeavySoftTimeLimit string `json:"heavy_soft_time_limit" schema:"type:string,description:Soft deadline for heavy tasks,category:advanced,default:30m"`

	// HeavyHardTimeLimit is the forced deadline for heavy tasks.
	HeavyHardTimeLimit string `json:"heavy_hard_time_limit" schema:"type:string,description:Hard deadline for heavy tasks,category:advanced,default:35m"`

	// MaxRetries bounds total invocations for retryable failures.
	MaxRetries int `json:"max_retries" schema:"type:int,description:Maximum invocations for retryable failures,category:advanced,default:3,min:1,max:10"`

	// BackoffBase is the delay before the first retry.
	BackoffBase string `json:"backoff_base" schema:"type:string,description:Delay before the first retry,category:advanced,default:1s"`

	// BackoffFactor multiplies the delay on each retry.
	BackoffFactor float64 `json:"backoff_factor" schema:"type:float,description:Backoff multiplier per retry,category:advanced,default:2.0"`

	// BackoffCap limits the delay between retries.
	BackoffCap string `json:"backoff_cap" schema:"type:string,description:Maximum delay between retries,category:advanced,default:30s"`

	// ConfirmationTimeout bounds waits on user confirmation.
	ConfirmationTimeout string `json:"confirmation_timeout" schema:"type:string,description:Wait bound for user confirmations,category:advanced,default:300s"`

	// MaxParallelSteps bounds concurrent children of a parallel step.
	MaxParallelSteps int `json:"max_parallel_steps" schema:"type:int,description:Concurrent children per parallel step,category:advanced,default:8,min:1,max:64"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty" schema:"type:ports,description:Input/output port definitions,category:basic"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		StreamName:          task.StreamTasks,
		FastConsumerName:    "task-worker-fast",
		HeavyConsumerName:   "task-worker-heavy",
		FastConcurrency:     4,
		HeavyConcurrency:    2,
		FastSoftTimeLimit:   "5m",
		FastHardTimeLimit:   "6m",
		HeavySoftTimeLimit:  "30m",
		HeavyHardTimeLimit:  "35m",
		MaxRetries:          3,
		BackoffBase:         "1s",
		BackoffFactor:       2.0,
		BackoffCap:          "30s",
		ConfirmationTimeout: "300s",
		MaxParallelSteps:    8,
		Ports: &component.PortConfig{
			Inputs: []component.PortDefinition{
				{
					Name:        "fast-tasks",
					Type:        "jetstream",
					Subject:     task.SubjectFastTasks,
					StreamName:  task.StreamTasks,
					Description: "Receive fast lane task submissions",
					Required:    true,
				},
				{
					Name:        "heavy-tasks",
					Type:        "jetstream",
					Subject:     task.SubjectHeavyTasks,
					StreamName:  task.StreamTasks,
					Description: "Receive heavy lane task submissions",
					Required:    true,
				},
			},
			Outputs: []component.PortDefinition{
				{
					Name:        "progress-events",
					Type:        "jetstream",
					Subject:     task.SubjectAllProgress,
					StreamName:  task.StreamProgress,
					Description: "Publish task lifecycle events",
					Required:    true,
				},
			},
		},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.StreamName == "" {
		return fmt.Errorf("stream_name is required")
	}
	if c.FastConsumerName == "" {
		return fmt.Errorf("fast_consumer_name is required")
	}
	if c.HeavyConsumerName == "" {
		return fmt.Errorf("heavy_consumer_name is required")
	}
	if c.FastConsumerName == c.HeavyConsumerName {
		return fmt.Errorf("fast and heavy consumer names must differ")
	}
	if c.FastConcurrency < 1 {
		return fmt.Errorf("fast_concurrency must be at least 1")
	}
	if c.HeavyConcurrency < 1 {
		return fmt.Errorf("heavy_concurrency must be at least 1")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("max_retries must be at least 1")
	}
	if c.BackoffFactor < 1 {
		return fmt.Errorf("backoff_factor must be at least 1")
	}

	for name, v := range map[string]string{
		"fast_soft_time_limit":  c.FastSoftTimeLimit,
		"fast_hard_time_limit":  c.FastHardTimeLimit,
		"heavy_soft_time_limit": c.HeavySoftTimeLimit,
		"heavy_hard_time_limit": c.HeavyHardTimeLimit,
		"backoff_base":          c.BackoffBase,
		"backoff_cap":           c.BackoffCap,
		"confirmation_timeout":  c.ConfirmationTimeout,
	} {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s: %w", name, err)
		}
	}

	if c.GetFastSoftTimeLimit() >= c.GetFastHardTimeLimit() {
		return fmt.Errorf("fast_hard_time_limit must exceed fast_soft_time_limit")
	}
	if c.GetHeavySoftTimeLimit() >= c.GetHeavyHardTimeLimit() {
		return fmt.Errorf("heavy_hard_time_limit must exceed heavy_soft_time_limit")
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

// GetFastSoftTimeLimit returns the fast lane soft deadline.
func (c *Config) GetFastSoftTimeLimit() time.Duration {
	return parseDurationOr(c.FastSoftTimeLimit, 5*time.Minute)
}

// GetFastHardTimeLimit returns the fast lane hard deadline.
func (c *Config) GetFastHardTimeLimit() time.Duration {
	return parseDurationOr(c.FastHardTimeLimit, 6*time.Minute)
}

// GetHeavySoftTimeLimit returns the heavy lane soft deadline.
func (c *Config) GetHeavySoftTimeLimit() time.Duration {
	return parseDurationOr(c.HeavySoftTimeLimit, 30*time.Minute)
}

// GetHeavyHardTimeLimit returns the heavy lane hard deadline.
func (c *Config) GetHeavyHardTimeLimit() time.Duration {
	return parseDurationOr(c.HeavyHardTimeLimit, 35*time.Minute)
}

// GetConfirmationTimeout returns the confirmation wait bound.
func (c *Config) GetConfirmationTimeout() time.Duration {
	return parseDurationOr(c.ConfirmationTimeout, 300*time.Second)
}

// RetryConfig returns the retry policy for retryable failures.
func (c *Config) RetryConfig() task.RetryConfig {
	return task.RetryConfig{
		MaxAttempts:   c.MaxRetries,
		BackoffBase:   parseDurationOr(c.BackoffBase, time.Second),
		BackoffFactor: c.BackoffFactor,
		BackoffCap:    parseDurationOr(c.BackoffCap, 30*time.Second),
	}
}
