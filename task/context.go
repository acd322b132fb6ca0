// Package task defines the core domain model for taskmesh: task contexts,
// DSL steps, step results, error classification, broker payloads, and the
// NATS KV stores that persist execution state.
package task

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// TaskContext carries per-task state for one submitted job. UserID and
// TaskID are immutable after construction; Variables is the only mutable
// field and is guarded so parallel step branches can write safely.
type TaskContext struct {
	UserID    string         `json:"user_id"`
	TaskID    string         `json:"task_id"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`

	mu        sync.RWMutex
	variables map[string]any
}

// NewTaskContext creates a task context. UserID and TaskID are required.
// Metadata may be nil; it is only settable here.
func NewTaskContext(userID, taskID, sessionID string, metadata map[string]any) (*TaskContext, error) {
	if userID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if taskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	return &TaskContext{
		UserID:    userID,
		TaskID:    taskID,
		SessionID: sessionID,
		Metadata:  metadata,
		CreatedAt: time.Now().UTC(),
		variables: make(map[string]any),
	}, nil
}

// SetVariable stores a value in the context's variable environment.
func (c *TaskContext) SetVariable(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.variables == nil {
		c.variables = make(map[string]any)
	}
	c.variables[key] = value
}

// GetVariable returns the value stored under key, or def when absent.
func (c *TaskContext) GetVariable(key string, def any) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.variables[key]
	if !ok {
		return def
	}
	return v
}

// Variables returns a copy of the variable environment.
func (c *TaskContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.variables))
	for k, v := range c.variables {
		out[k] = v
	}
	return out
}

// taskContextJSON is the wire representation of TaskContext. Variables is a
// plain map on the wire; created_at marshals as RFC 3339.
type taskContextJSON struct {
	UserID    string         `json:"user_id"`
	TaskID    string         `json:"task_id"`
	SessionID string         `json:"session_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Variables map[string]any `json:"variables,omitempty"`
}

// MarshalJSON serialises the context including its variable environment.
func (c *TaskContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(taskContextJSON{
		UserID:    c.UserID,
		TaskID:    c.TaskID,
		SessionID: c.SessionID,
		Metadata:  c.Metadata,
		CreatedAt: c.CreatedAt,
		Variables: c.Variables(),
	})
}

// UnmarshalJSON restores a context serialised by MarshalJSON.
func (c *TaskContext) UnmarshalJSON(data []byte) error {
	var w taskContextJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if w.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	c.UserID = w.UserID
	c.TaskID = w.TaskID
	c.SessionID = w.SessionID
	c.Metadata = w.Metadata
	c.CreatedAt = w.CreatedAt
	c.mu.Lock()
	c.variables = w.Variables
	if c.variables == nil {
		c.variables = make(map[string]any)
	}
	c.mu.Unlock()
	return nil
}
