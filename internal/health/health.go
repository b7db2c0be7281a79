// Package health aggregates the readiness probes of the waiting room's
// backing services. The server registers one checker per dependency
// (postgres, redis, the admission scheduler) and the /health endpoint
// reports the combined result.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of one probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes a single dependency. It must honor ctx: probes run on
// the request path of the health endpoint.
type Checker func(ctx context.Context) Status

// Registry holds probes in registration order.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	probes map[string]Checker
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{probes: make(map[string]Checker)}
}

// Register adds a probe under the given name. Re-registering a name
// replaces the probe but keeps its original position.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.probes[name]; !exists {
		r.names = append(r.names, name)
	}
	r.probes[name] = check
}

// CheckAll runs every probe in registration order. The aggregate is
// healthy only when all probes are.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	probes := make(map[string]Checker, len(r.probes))
	for name, check := range r.probes {
		probes[name] = check
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		st := probes[name](ctx)
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}
