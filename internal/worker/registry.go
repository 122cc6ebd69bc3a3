package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/vinayprograms/agentkit/logging"
)

// Registry maps worker names to instances.
// It is read-mostly: register workers during setup, not while requests are in flight.
type Registry struct {
	mu          sync.RWMutex
	workers     map[string]Worker
	descriptors map[string]Descriptor
	order       []string
	logger      *logging.Logger
}

// NewRegistry creates an empty, isolated registry.
func NewRegistry() *Registry {
	return &Registry{
		workers:     make(map[string]Worker),
		descriptors: make(map[string]Descriptor),
		logger:      logging.New().WithComponent("registry"),
	}
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// Default returns the process-wide registry. It exists for convenience only;
// components receive a *Registry explicitly.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultRegistry = NewRegistry()
	})
	return defaultRegistry
}

// Register binds name to w. An existing binding is overwritten with a warning.
func (r *Registry) Register(name string, w Worker) {
	if w == nil {
		return
	}
	if name == "" {
		name = w.Name()
	}

	caps := w.Capabilities()
	desc := Descriptor{Name: name, Capabilities: append([]Capability(nil), caps...)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workers[name]; exists {
		r.logger.Warn("overwriting registered worker", map[string]interface{}{
			"worker": name,
		})
	} else {
		r.order = append(r.order, name)
	}
	r.workers[name] = w
	r.descriptors[name] = desc
}

// Unregister removes the binding for name. Returns false if it was not registered.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workers[name]; !ok {
		return false
	}
	delete(r.workers, name)
	delete(r.descriptors, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Get returns the worker bound to name, or nil.
func (r *Registry) Get(name string) Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[name]
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	return r.Get(name) != nil
}

// ByCapability returns the workers carrying tag, in registration order.
func (r *Registry) ByCapability(tag Capability) []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Worker
	for _, name := range r.order {
		if r.descriptors[name].Has(tag) {
			out = append(out, r.workers[name])
		}
	}
	return out
}

// List returns registered names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Descriptor returns the descriptor for name.
func (r *Registry) Descriptor(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor{}, false
	}
	d.Capabilities = append([]Capability(nil), d.Capabilities...)
	return d, true
}

// Descriptors returns copies of all descriptors in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		d := r.descriptors[name]
		d.Capabilities = append([]Capability(nil), d.Capabilities...)
		out = append(out, d)
	}
	return out
}

// Clear removes every binding.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers = make(map[string]Worker)
	r.descriptors = make(map[string]Descriptor)
	r.order = nil
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// InitializeAll initializes every registered worker. Failures are collected and
// returned together; one failing worker does not stop the others.
func (r *Registry) InitializeAll(ctx context.Context) error {
	var errs []error
	for _, name := range r.List() {
		w := r.Get(name)
		if w == nil {
			continue
		}
		if err := w.Initialize(ctx); err != nil {
			r.logger.Warn("worker initialization failed", map[string]interface{}{
				"worker": name,
				"error":  err.Error(),
			})
			errs = append(errs, &WorkerError{Worker: name, Err: fmt.Errorf("initialize: %w", err)})
		}
	}
	return errors.Join(errs...)
}
