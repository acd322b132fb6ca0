package task

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a task or step.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal state. Exactly one terminal
// lifecycle event is emitted per step that began execution.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	}
	return false
}

// StepResult records the outcome of one executed step. When Completed is
// false the status must be a terminal failure state and ErrorCode is set.
type StepResult struct {
	// Step names the executed unit: a step name or dotted service.method.
	Step         string    `json:"step"`
	Result       any       `json:"result,omitempty"`
	Completed    bool      `json:"completed"`
	Message      string    `json:"message,omitempty"`
	Status       Status    `json:"status"`
	ErrorCode    ErrorCode `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// NewCompletedResult builds a successful step result.
func NewCompletedResult(step string, result any, message string) *StepResult {
	return &StepResult{
		Step:      step,
		Result:    result,
		Completed: true,
		Message:   message,
		Status:    StatusCompleted,
	}
}

// NewFailedResult builds a terminal failure result from a classified error.
// CANCELLED and TIMEOUT codes map to their dedicated statuses.
func NewFailedResult(step string, code ErrorCode, err error) *StepResult {
	status := StatusFailed
	switch code {
	case CodeCancelled:
		status = StatusCancelled
	case CodeTimeout:
		status = StatusTimedOut
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &StepResult{
		Step:         step,
		Completed:    false,
		Status:       status,
		Message:      code.UserMessage(),
		ErrorCode:    code,
		ErrorMessage: msg,
	}
}

// Validate enforces the failure invariant.
func (r *StepResult) Validate() error {
	if r.Step == "" {
		return fmt.Errorf("step is required")
	}
	if !r.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", r.Status)
	}
	if !r.Completed && r.Status.Terminal() && r.Status != StatusCompleted {
		if r.ErrorCode == "" {
			return fmt.Errorf("failed result requires error_code")
		}
		switch r.Status {
		case StatusFailed, StatusTimedOut, StatusCancelled:
		default:
			return fmt.Errorf("incomplete result has non-failure status %s", r.Status)
		}
	}
	if r.Completed && r.Status != StatusCompleted {
		return fmt.Errorf("completed result has status %s", r.Status)
	}
	return nil
}

// MarshalJSON marshals the result.
func (r *StepResult) MarshalJSON() ([]byte, error) {
	type alias StepResult
	return json.Marshal((*alias)(r))
}

// UnmarshalJSON unmarshals the result.
func (r *StepResult) UnmarshalJSON(data []byte) error {
	type alias StepResult
	return json.Unmarshal(data, (*alias)(r))
}

// UserConfirmation closes a blocked confirmation step.
type UserConfirmation struct {
	Proceed  bool   `json:"proceed"`
	Feedback string `json:"feedback,omitempty"`
}
