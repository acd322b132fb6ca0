package progressbus

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the progress-bus component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "progress-bus",
		Factory:     NewComponent,
		Schema:      progressBusSchema,
		Type:        "processor",
		Protocol:    "task",
		Domain:      "taskmesh",
		Description: "Pushes task lifecycle events to WebSocket clients and accepts confirmations",
		Version:     "0.1.0",
	})
}
