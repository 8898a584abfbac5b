package sem

import "sort"

// Registry is the static mapping of semaphore names to their full capacity.
// It is built once at startup and never mutated, so it needs no locking.
type Registry struct {
	capacities map[string]int64
}

// NewRegistry copies defs into an immutable registry. A capacity of zero is
// legal and means the semaphore can never be acquired.
func NewRegistry(defs map[string]int64) *Registry {
	capacities := make(map[string]int64, len(defs))
	for name, capacity := range defs {
		capacities[name] = capacity
	}
	return &Registry{capacities: capacities}
}

// Capacity returns the configured capacity for name and whether it exists.
func (r *Registry) Capacity(name string) (int64, bool) {
	c, ok := r.capacities[name]
	return c, ok
}

// Names returns all semaphore names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.capacities))
	for name := range r.capacities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of configured semaphores.
func (r *Registry) Len() int { return len(r.capacities) }
