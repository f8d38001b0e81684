// Package registry provides the generic name-keyed registry used for LLM
// providers, embedders, rerankers, retrievers and risk detectors. Registries
// that back startup-time wiring are frozen once configuration completes.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the common registration contract.
type Registry[T any] interface {
	Register(name string, item T) error
	Get(name string) (T, bool)
	Names() []string
	List() []T
	Count() int
}

// BaseRegistry is a thread-safe map registry. The zero value is not usable;
// construct with NewBaseRegistry.
type BaseRegistry[T any] struct {
	mu     sync.RWMutex
	items  map[string]T
	frozen bool
}

func NewBaseRegistry[T any]() *BaseRegistry[T] {
	return &BaseRegistry[T]{
		items: make(map[string]T),
	}
}

// Register adds item under name. Duplicate names and registration after
// Freeze are errors.
func (r *BaseRegistry[T]) Register(name string, item T) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register '%s'", name)
	}
	if _, exists := r.items[name]; exists {
		return fmt.Errorf("item with name '%s' already registered", name)
	}

	r.items[name] = item
	return nil
}

func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, exists := r.items[name]
	return item, exists
}

// Names returns the registered names in sorted order, so fan-out over a
// registry is deterministic.
func (r *BaseRegistry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// List returns the registered items ordered by name.
func (r *BaseRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]T, 0, len(names))
	for _, name := range names {
		items = append(items, r.items[name])
	}
	return items
}

func (r *BaseRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

// Freeze makes the registry immutable. Used after startup wiring so the
// request path reads without coordination concerns.
func (r *BaseRegistry[T]) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
}
