package task

import (
	"encoding/json"
	"fmt"

	"github.com/c360studio/semstreams/message"
)

// RequestType is the message type for queue submissions.
var RequestType = message.Type{Domain: "task", Category: "request", Version: "v1"}

// Request is the broker message placed on a queue lane. A request either
// names a single service call (TaskName/Mode/Service) or carries a Steps
// tree that the worker drives through the step executor.
type Request struct {
	TaskName  string          `json:"task_name"`
	UserID    string          `json:"user_id"`
	TaskID    string          `json:"task_id"`
	Step      int             `json:"step"`
	Mode      string          `json:"mode"`
	Service   string          `json:"service"`
	InputData json.RawMessage `json:"input_data,omitempty"`
	Context   *TaskContext    `json:"context,omitempty"`

	// Steps, when present, makes this a multi-step request. TaskName then
	// describes the overall job and Mode/Service provide the defaults for
	// task steps that omit an explicit service.
	Steps []Step `json:"steps,omitempty"`
}

// Schema implements message.Payload.
func (r *Request) Schema() message.Type {
	return RequestType
}

// Validate implements message.Payload.
func (r *Request) Validate() error {
	if r.TaskName == "" {
		return fmt.Errorf("task_name is required")
	}
	if r.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if r.TaskID == "" {
		return fmt.Errorf("task_id is required")
	}
	if len(r.Steps) == 0 {
		if r.Mode == "" {
			return fmt.Errorf("mode is required")
		}
		if r.Service == "" {
			return fmt.Errorf("service is required")
		}
	}
	for i := range r.Steps {
		if err := r.Steps[i].Validate(); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

// MarshalJSON implements json.Marshaler.
func (r *Request) MarshalJSON() ([]byte, error) {
	type alias Request
	return json.Marshal((*alias)(r))
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Request) UnmarshalJSON(data []byte) error {
	type alias Request
	return json.Unmarshal(data, (*alias)(r))
}

// TaskContextOrNew returns the request's context, or constructs one from
// the request identifiers when the submitter sent none.
func (r *Request) TaskContextOrNew() (*TaskContext, error) {
	if r.Context != nil {
		if r.Context.UserID == "" || r.Context.TaskID == "" {
			return nil, fmt.Errorf("request context missing identifiers")
		}
		return r.Context, nil
	}
	return NewTaskContext(r.UserID, r.TaskID, "", nil)
}

// ParseRequest decodes a wire message into a Request. It accepts both a
// raw Request and a BaseMessage-wrapped one, mirroring how other producers
// publish through the message registry.
func ParseRequest(data []byte) (*Request, error) {
	var env struct {
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err == nil && len(env.Payload) > 0 {
		data = env.Payload
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return &req, nil
}
