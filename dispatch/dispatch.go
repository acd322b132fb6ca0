// Package dispatch routes a single task invocation to the registered
// service implementation.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loopworks/taskmesh/registry"
	"github.com/loopworks/taskmesh/task"
)

// Dispatcher resolves (mode, service, method) against a registry and
// invokes the handler.
type Dispatcher struct {
	registry *registry.Registry
	logger   *slog.Logger
}

// New creates a dispatcher. A nil registry falls back to the process-wide
// default; a nil logger discards nothing and uses slog's default.
func New(reg *registry.Registry, logger *slog.Logger) *Dispatcher {
	if reg == nil {
		reg = registry.Default
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: reg, logger: logger.With("component", "dispatcher")}
}

// Dispatch invokes one service method. Errors carry a task error code:
// unknown services and methods map to NOT_FOUND, handler panics to
// INTERNAL, and handler errors keep their own classification. Returned
// errors are prefixed with "service.method" so callers can see the origin
// without parsing.
func (d *Dispatcher) Dispatch(ctx context.Context, mode, service, method string, input json.RawMessage, tctx *task.TaskContext) (result any, err error) {
	origin := service + "." + method

	svc, lookupErr := d.registry.Get(mode, service)
	if lookupErr != nil {
		d.logger.Warn("service lookup failed",
			"mode", mode,
			"service", service,
			"method", method,
			"error", lookupErr)
		return nil, task.WithCode(task.CodeNotFound, fmt.Errorf("%s: %w", origin, lookupErr))
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				"mode", mode,
				"service", service,
				"method", method,
				"panic", r)
			result = nil
			err = task.Errorf(task.CodeInternal, "%s: handler panic: %v", origin, r)
		}
	}()

	if handler, ok := svc.Handlers()[method]; ok {
		result, err = handler(ctx, input, tctx)
	} else if sink, ok := svc.(registry.Sink); ok {
		result, err = sink.ExecuteTask(ctx, method, input, tctx)
	} else {
		return nil, task.Errorf(task.CodeNotFound, "%s: method not found", origin)
	}

	if err != nil {
		return nil, fmt.Errorf("%s: %w", origin, err)
	}
	return result, nil
}
