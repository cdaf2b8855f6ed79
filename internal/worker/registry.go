package worker

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps agent roles to workers. The orchestrator validates stage
// roles against it before any task exists, and the scheduler looks up
// workers at dispatch time. Workers are selected by role only; the core
// never depends on a concrete agent type.
type Registry struct {
	mu sync.RWMutex
	// workers maps role name to the registered worker.
	workers map[string]Worker
}

// NewRegistry creates an empty worker registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds a worker under its role. Registering a role twice
// replaces the previous worker.
func (r *Registry) Register(w Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[w.Role()] = w
}

// Lookup returns the worker for a role.
func (r *Registry) Lookup(role string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[role]
	if !ok {
		return nil, fmt.Errorf("no worker registered for role %q", role)
	}
	return w, nil
}

// HasRole reports whether a worker is registered for the role.
func (r *Registry) HasRole(role string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workers[role]
	return ok
}

// Roles returns the sorted list of registered roles.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roles := make([]string, 0, len(r.workers))
	for role := range r.workers {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
