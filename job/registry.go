package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// HandlerFunc is the type-erased form of a handler: raw JSON in, Result
// out. Typed definitions are erased to this shape at registration.
type HandlerFunc func(ctx context.Context, payload []byte) (*Result, error)

// entry is what the registry stores per job type.
type entry struct {
	handler HandlerFunc
	opts    Options
}

// Registry resolves job types to their handlers and registration
// options. Safe for concurrent use; registration normally happens once
// at startup but nothing prevents adding types later.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// RegisterDefinition installs a typed definition, wrapping its handler
// in a closure that unmarshals the raw payload into T first.
//
// It is a package-level generic function because Go has no generic
// methods.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	erased := func(ctx context.Context, payload []byte) (*Result, error) {
		var t T
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &t); err != nil {
				return nil, fmt.Errorf("unmarshal payload for job %q: %w", def.Type, err)
			}
		}
		return def.Handler(ctx, t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[def.Type] = entry{handler: erased, opts: def.Opts}
}

// Get returns the handler for jobType, or false when none is registered.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[jobType]
	return e.handler, ok
}

// Options returns the registration-time options for jobType.
func (r *Registry) Options(jobType string) (Options, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[jobType]
	return e.opts, ok
}

// Types lists every registered job type, in no particular order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}
