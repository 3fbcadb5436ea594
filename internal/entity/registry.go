package entity

import (
	"fmt"
	"sync"
)

// Registry indexes entities by object id in registration order.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Entity
	order []string
}

func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]Entity)}
}

// Add registers e. Ids must be unique.
func (r *Registry) Add(e Entity) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID() == "" {
		return fmt.Errorf("entity %q has an empty id", e.Name())
	}
	if _, dup := r.byID[e.ID()]; dup {
		return fmt.Errorf("duplicate entity id %q", e.ID())
	}
	r.byID[e.ID()] = e
	r.order = append(r.order, e.ID())
	return nil
}

func (r *Registry) Get(id string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return e, ok
}

// All returns every entity in registration order.
func (r *Registry) All() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entity, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) Light(id string) (*Light, bool) {
	e, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	l, ok := e.(*Light)
	return l, ok
}

func (r *Registry) Button(id string) (*Button, bool) {
	e, ok := r.Get(id)
	if !ok {
		return nil, false
	}
	b, ok := e.(*Button)
	return b, ok
}

// Snapshots returns the current view of every entity.
func (r *Registry) Snapshots() []Snapshot {
	all := r.All()
	out := make([]Snapshot, len(all))
	for i, e := range all {
		out[i] = e.Snapshot()
	}
	return out
}
