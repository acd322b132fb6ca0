// Package bus carries task lifecycle events between workers and
// connected users: the event envelope, the progress publisher, and the
// blocking user-confirmation protocol.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360studio/semstreams/message"

	"github.com/loopworks/taskmesh/task"
)

// EventType identifies a server-to-client message kind.
type EventType string

const (
	// EventStepResult announces a finished step, optionally requesting
	// confirmation via CallbackID.
	EventStepResult EventType = "task_step_result"
	// EventProgress announces a lifecycle transition (running, completed,
	// failed, ...).
	EventProgress EventType = "task_progress"
	// EventNotification carries free-form system messages.
	EventNotification EventType = "system_notification"
	// EventHeartbeat keeps idle connections verified.
	EventHeartbeat EventType = "heartbeat"
)

// EventTypeSchema is the message type progress events are registered
// under.
var EventTypeSchema = message.Type{Domain: "task", Category: "progress", Version: "v1"}

// Event is the envelope pushed to WebSocket clients and published on the
// progress stream.
type Event struct {
	Type       EventType   `json:"type"`
	UserID     string      `json:"user_id"`
	TaskID     string      `json:"task_id,omitempty"`
	Step       int         `json:"step,omitempty"`
	Status     task.Status `json:"status,omitempty"`
	Task       string      `json:"task,omitempty"`
	Message    string      `json:"message,omitempty"`
	Result     any         `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	CallbackID string      `json:"callback_id,omitempty"`
	Timestamp  int64       `json:"timestamp"`

	// PersistenceDegraded marks events whose step result could not be
	// checkpointed.
	PersistenceDegraded bool `json:"persistence_degraded,omitempty"`
}

// Schema implements message.Payload.
func (e *Event) Schema() message.Type {
	return EventTypeSchema
}

// Validate implements message.Payload.
func (e *Event) Validate() error {
	switch e.Type {
	case EventStepResult, EventProgress, EventNotification, EventHeartbeat:
	default:
		return fmt.Errorf("unknown event type: %q", e.Type)
	}
	if e.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (e *Event) MarshalJSON() ([]byte, error) {
	type alias Event
	return json.Marshal((*alias)(e))
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Event) UnmarshalJSON(data []byte) error {
	type alias Event
	return json.Unmarshal(data, (*alias)(e))
}

// NewProgressEvent builds a lifecycle event from a step result.
func NewProgressEvent(userID, taskID string, stepIndex int, res *task.StepResult) *Event {
	return &Event{
		Type:      EventProgress,
		UserID:    userID,
		TaskID:    taskID,
		Step:      stepIndex,
		Status:    res.Status,
		Task:      res.Step,
		Message:   res.Message,
		Result:    res.Result,
		Error:     res.ErrorMessage,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewStepResultEvent builds a confirmation-bearing step result event.
func NewStepResultEvent(userID, taskID string, stepIndex int, res *task.StepResult, callbackID string) *Event {
	ev := NewProgressEvent(userID, taskID, stepIndex, res)
	ev.Type = EventStepResult
	ev.CallbackID = callbackID
	return ev
}

// ClientMessage is the client-to-server frame.
type ClientMessage struct {
	Action     string `json:"action"`
	CallbackID string `json:"callback_id,omitempty"`
	Proceed    *bool  `json:"proceed,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
}

// Client actions.
const (
	ActionConfirm   = "confirm"
	ActionCancel    = "cancel"
	ActionPing      = "ping"
	ActionSubscribe = "subscribe"
)

// ParseEvent decodes a stream message into an Event, accepting both raw
// and BaseMessage-wrapped frames.
func ParseEvent(data []byte) (*Event, error) {
	var env struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err == nil && len(env.Payload) > 0 {
		data = env.Payload
	}

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	if err := ev.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event: %w", err)
	}
	return &ev, nil
}
