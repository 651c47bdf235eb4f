package registry

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

type Component interface {
	any
}

type Provider interface {
	any
}

type ComponentCreator[C Component, P Provider] func(config json.RawMessage, provider P) (C, error)

// Registry maps component type ids to their creators. Every New call builds a
// fresh component instance from the registered creator.
type Registry[C Component, P Provider] struct {
	mu         sync.RWMutex
	components map[string]ComponentCreator[C, P]
	provider   P
}

func NewRegistry[C Component, P Provider](provider P) *Registry[C, P] {
	return &Registry[C, P]{
		provider:   provider,
		components: make(map[string]ComponentCreator[C, P]),
	}
}

func (r *Registry[C, P]) Register(id string, creator ComponentCreator[C, P]) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.components[id]; ok {
		return fmt.Errorf("component already registered: %s", id)
	}
	r.components[id] = creator
	return nil
}

func (r *Registry[C, P]) MustRegister(id string, creator ComponentCreator[C, P]) {
	if err := r.Register(id, creator); err != nil {
		panic(err)
	}
}

func (r *Registry[C, P]) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.components[id]
	return ok
}

// IDs returns the registered ids in sorted order.
func (r *Registry[C, P]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.components))
	for id := range r.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (r *Registry[C, P]) New(id string, config json.RawMessage) (C, error) {
	r.mu.RLock()
	creator, ok := r.components[id]
	r.mu.RUnlock()
	if !ok {
		var component C
		return component, fmt.Errorf("component not found: %s", id)
	}
	return creator(config, r.provider)
}
