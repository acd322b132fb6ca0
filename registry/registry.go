// Package registry maps (mode, service) pairs to the service
// implementations the dispatcher invokes. Services register a factory at
// startup; instances are constructed lazily and cached for reuse.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/loopworks/taskmesh/task"
)

// HandlerFunc executes one named operation of a service.
type HandlerFunc func(ctx context.Context, input json.RawMessage, tctx *task.TaskContext) (any, error)

// Service exposes named operations. Handlers is called once per instance;
// the returned map must not change afterwards.
type Service interface {
	Handlers() map[string]HandlerFunc
}

// Sink is an optional catch-all a service can implement for operations
// absent from its handler map.
type Sink interface {
	ExecuteTask(ctx context.Context, method string, input json.RawMessage, tctx *task.TaskContext) (any, error)
}

// Factory constructs a service instance.
type Factory func() (Service, error)

// Key identifies a service slot.
type Key struct {
	Mode    string
	Service string
}

func (k Key) String() string {
	return k.Mode + "/" + k.Service
}

// ErrAlreadyRegistered is returned when a (mode, service) slot is taken.
var ErrAlreadyRegistered = fmt.Errorf("service already registered")

// ErrServiceNotFound is returned for lookups of unregistered slots.
var ErrServiceNotFound = fmt.Errorf("service not found")

// Registry holds service factories and their cached instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[Key]Factory
	instances map[Key]Service
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		factories: make(map[Key]Factory),
		instances: make(map[Key]Service),
	}
}

// Register claims a (mode, service) slot. Registering the same slot twice
// is an error so that deployment mistakes surface at startup instead of
// silently shadowing a service.
func (r *Registry) Register(mode, service string, factory Factory) error {
	if mode == "" || service == "" {
		return fmt.Errorf("mode and service are required")
	}
	if factory == nil {
		return fmt.Errorf("factory is required")
	}

	key := Key{Mode: mode, Service: service}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[key]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, key)
	}
	r.factories[key] = factory
	return nil
}

// Get returns the service for a slot, constructing it on first use.
func (r *Registry) Get(mode, service string) (Service, error) {
	key := Key{Mode: mode, Service: service}

	r.mu.RLock()
	if inst, ok := r.instances[key]; ok {
		r.mu.RUnlock()
		return inst, nil
	}
	factory, ok := r.factories[key]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, key)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Another goroutine may have built the instance while we upgraded.
	if inst, ok := r.instances[key]; ok {
		return inst, nil
	}

	inst, err := factory()
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", key, err)
	}
	if inst == nil {
		return nil, fmt.Errorf("construct %s: factory returned nil", key)
	}
	r.instances[key] = inst
	return inst, nil
}

// Keys returns all registered slots sorted by mode then service.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]Key, 0, len(r.factories))
	for k := range r.factories {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Mode != keys[j].Mode {
			return keys[i].Mode < keys[j].Mode
		}
		return keys[i].Service < keys[j].Service
	})
	return keys
}

// Default is the process-wide registry services register into from init
// or main.
var Default = New()

// Register adds a factory to the default registry.
func Register(mode, service string, factory Factory) error {
	return Default.Register(mode, service, factory)
}

// Get retrieves a service from the default registry.
func Get(mode, service string) (Service, error) {
	return Default.Get(mode, service)
}
