package bus

import "github.com/c360studio/semstreams/component"

func init() {
	if err := component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "task",
		Category:    "progress",
		Version:     "v1",
		Description: "Task lifecycle event pushed to connected users",
		Factory:     func() any { return &Event{} },
	}); err != nil {
		panic("failed to register task progress payload: " + err.Error())
	}
}
