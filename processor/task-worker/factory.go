package taskworker

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the task-worker component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "task-worker",
		Factory:     NewComponent,
		Schema:      taskWorkerSchema,
		Type:        "processor",
		Protocol:    "task",
		Domain:      "taskmesh",
		Description: "Consumes task lanes, dispatches services and emits lifecycle events",
		Version:     "0.1.0",
	})
}
