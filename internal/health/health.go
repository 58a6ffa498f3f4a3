// Package health aggregates named subsystem probes.
package health

import (
	"context"
	"sync"
)

// Status is the outcome of a single subsystem probe.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. Implementations should respect the
// context deadline; a probe that hangs blocks the whole health endpoint.
type Checker func(ctx context.Context) Status

type registration struct {
	name  string
	probe Checker
}

// Registry holds probes and runs them on demand in registration order.
type Registry struct {
	mu    sync.RWMutex
	probe []registration
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named probe.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.probe = append(r.probe, registration{name: name, probe: check})
	r.mu.Unlock()
}

// CheckAll runs every probe and reports the aggregate plus per-subsystem
// results. The aggregate is healthy only when every probe is.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	probes := append([]registration(nil), r.probe...)
	r.mu.RUnlock()

	all := true
	statuses := make([]Status, 0, len(probes))
	for _, p := range probes {
		st := p.probe(ctx)
		if !st.Healthy {
			all = false
		}
		statuses = append(statuses, st)
	}

	return all, statuses
}
