package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Operation is executable work referenced by name. Tasks persist only the
// operation name plus JSON-safe args, so a restarted process can resume
// pending work as long as the same names are registered again.
type Operation func(ctx context.Context, args map[string]any) (any, error)

// Registry maps operation names to handlers. Registration normally happens
// once at startup, before Submit is reachable, but the registry is safe for
// concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

func NewRegistry() *Registry {
	return &Registry{ops: make(map[string]Operation)}
}

func (r *Registry) Register(name string, op Operation) error {
	if name == "" {
		return fmt.Errorf("register operation: empty name")
	}
	if op == nil {
		return fmt.Errorf("register operation %q: nil handler", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ops[name]; dup {
		return fmt.Errorf("register operation %q: already registered", name)
	}
	r.ops[name] = op
	return nil
}

func (r *Registry) Get(name string) (Operation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[name]
	return op, ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
