package task

import "github.com/c360studio/semstreams/component"

func init() {
	if err := component.RegisterPayload(&component.PayloadRegistration{
		Domain:      "task",
		Category:    "request",
		Version:     "v1",
		Description: "Queue submission for one task or step tree",
		Factory:     func() any { return &Request{} },
	}); err != nil {
		panic("failed to register task request payload: " + err.Error())
	}
}
