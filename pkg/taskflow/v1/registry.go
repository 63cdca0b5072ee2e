package taskflowv1

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Entity is anything that can be registered by name, such as a task or a
// workflow.
type Entity interface {
	Name() string
}

// Registry holds the entities defined in a process.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]Entity
}

// DefaultRegistry receives every task that is not given a registry.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entities: make(map[string]Entity)}
}

// Register adds e. A later entity with the same name replaces the earlier one,
// so packages can be reloaded in tests.
func (r *Registry) Register(e Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[e.Name()] = e
}

// Lookup returns the entity registered under name.
func (r *Registry) Lookup(name string) (Entity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entities[name]
	return e, ok
}

// Task returns the task registered under name.
func (r *Registry) Task(name string) (*Task, error) {
	e, ok := r.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("taskflowv1: task %q is not registered", name)
	}
	t, ok := e.(*Task)
	if !ok {
		return nil, fmt.Errorf("taskflowv1: entity %q is a %T, not a task", name, e)
	}
	return t, nil
}

// Entities returns the registered entities sorted by name.
func (r *Registry) Entities() []Entity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entity, 0, len(r.entities))
	for _, e := range r.entities {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b Entity) int {
		return strings.Compare(a.Name(), b.Name())
	})
	return out
}

// Tasks returns the registered tasks sorted by name.
func (r *Registry) Tasks() []*Task {
	var tasks []*Task
	for _, e := range r.Entities() {
		if t, ok := e.(*Task); ok {
			tasks = append(tasks, t)
		}
	}
	return tasks
}
