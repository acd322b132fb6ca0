package task

import (
	"encoding/json"
	"fmt"
)

// StepType identifies how the step executor interprets a DSL step.
type StepType string

const (
	StepTask     StepType = "task"
	StepIf       StepType = "if"
	StepSequence StepType = "sequence"
	StepParallel StepType = "parallel"
)

// IsValid reports whether the step type is one the executor recognises.
func (t StepType) IsValid() bool {
	switch t {
	case StepTask, StepIf, StepSequence, StepParallel:
		return true
	}
	return false
}

// Step is one declarative node in a task's step tree. Params carries
// type-specific fields:
//
//	task:     params.task = "<service>.<method>", params.params = {...}
//	if:       condition set, params.then / params.else hold sub-steps
//	sequence: params.steps = [step, ...], optional params.stop_on_failure
//	parallel: params.tasks = [{task, params}, ...]
type Step struct {
	Type        StepType       `json:"step_type"`
	Condition   string         `json:"condition,omitempty"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params"`
}

// Validate checks the structural invariants: a known step type and a
// non-nil params map (an empty map is fine).
func (s *Step) Validate() error {
	if s.Type == "" {
		return fmt.Errorf("step_type is required")
	}
	if !s.Type.IsValid() {
		return fmt.Errorf("unknown step_type: %s", s.Type)
	}
	return nil
}

// UnmarshalJSON decodes a step, normalising a missing params object to an
// empty map so callers never see nil.
func (s *Step) UnmarshalJSON(data []byte) error {
	type alias Step
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = Step(a)
	if s.Params == nil {
		s.Params = map[string]any{}
	}
	return nil
}
