// Package health aggregates readiness checks for the engine's backing
// services. The server's /readyz handler reports degraded until every
// registered check passes.
package health

import (
	"context"
	"fmt"
	"sync"
)

// Status is the result of one subsystem check.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Checker probes one subsystem. Checkers must respect ctx cancellation;
// the readiness handler runs them under a deadline.
type Checker func(ctx context.Context) Status

// Registry runs registered checkers in registration order.
type Registry struct {
	mu       sync.RWMutex
	names    []string
	checkers map[string]Checker
}

// NewRegistry creates an empty registry. A registry with no checkers
// reports healthy.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a checker under the given name. Registering the same name
// twice replaces the earlier checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	if _, exists := r.checkers[name]; !exists {
		r.names = append(r.names, name)
	}
	r.checkers[name] = check
	r.mu.Unlock()
}

// CheckAll runs every checker and reports the aggregate plus per-subsystem
// results. A panicking checker reads as unhealthy rather than taking the
// readiness endpoint down with it.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	checkers := make(map[string]Checker, len(r.checkers))
	for name, check := range r.checkers {
		checkers[name] = check
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		st := runChecker(ctx, name, checkers[name])
		if st.Name == "" {
			st.Name = name
		}
		if !st.Healthy {
			healthy = false
		}
		statuses = append(statuses, st)
	}
	return healthy, statuses
}

func runChecker(ctx context.Context, name string, check Checker) (st Status) {
	defer func() {
		if p := recover(); p != nil {
			st = Status{Name: name, Healthy: false, Detail: fmt.Sprintf("checker panicked: %v", p)}
		}
	}()
	return check(ctx)
}
