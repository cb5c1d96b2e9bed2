// Package health runs named subsystem probes for the health endpoint.
package health

import (
	"context"
	"sync"
)

// Status is the result of one subsystem probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. It must honour ctx: probes share the health
// endpoint's deadline.
type Checker func(ctx context.Context) Status

// Registry holds named probes. Registering an existing name replaces it.
type Registry struct {
	mu     sync.RWMutex
	names  []string
	checks map[string]Checker
}

// NewRegistry creates an empty probe registry.
func NewRegistry() *Registry {
	return &Registry{checks: make(map[string]Checker)}
}

// Register adds or replaces the probe for name.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checks[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checks[name] = check
}

// CheckAll runs every probe concurrently and reports the aggregate health
// plus per-subsystem results in registration order.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	checks := make([]Checker, len(r.names))
	for i, name := range r.names {
		checks[i] = r.checks[name]
	}
	r.mu.RUnlock()

	statuses := make([]Status, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check Checker) {
			defer wg.Done()
			statuses[i] = check(ctx)
		}(i, check)
	}
	wg.Wait()

	healthy := true
	for i := range statuses {
		if !statuses[i].Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}
