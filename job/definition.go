package job

import "context"

// Definition binds a job type name to its typed handler and default
// options. T is the payload type and must round-trip through JSON.
type Definition[T any] struct {
	// Type is the unique name jobs of this kind are enqueued under.
	Type string

	// Handler runs one attempt against the decoded payload.
	Handler func(ctx context.Context, payload T) (*Result, error)

	// Opts are the type's defaults; enqueue-time options override them.
	Opts Options
}

// NewDefinition builds a Definition, layering opts over DefaultOptions.
func NewDefinition[T any](jobType string, handler func(ctx context.Context, payload T) (*Result, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Type:    jobType,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
