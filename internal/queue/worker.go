package queue

import (
	"context"
	"fmt"
	"sync"
)

// Performer executes a decoded job.
type Performer interface {
	Perform(ctx context.Context, job Job) error
}

// PerformerFunc adapts a function to Performer.
type PerformerFunc func(ctx context.Context, job Job) error

func (f PerformerFunc) Perform(ctx context.Context, job Job) error { return f(ctx, job) }

// HandlerFunc handles jobs registered under one path.
type HandlerFunc func(ctx context.Context, job Job) error

// Registry resolves jobs to handlers by path.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a path, replacing any previous one.
// A nil handler is ignored.
func (r *Registry) Register(path string, h HandlerFunc) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[path] = h
}

// Paths returns the registered paths.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	paths := make([]string, 0, len(r.handlers))
	for p := range r.handlers {
		paths = append(paths, p)
	}
	return paths
}

// Perform runs the handler registered for job.Path. A panic in the handler
// is returned as an error wrapping ErrHandlerPanic.
func (r *Registry) Perform(ctx context.Context, job Job) (err error) {
	r.mu.RLock()
	h, ok := r.handlers[job.Path]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrHandlerNotFound, job.Path)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: %s: %v", ErrHandlerPanic, job.Path, rec)
		}
	}()
	return h(ctx, job)
}
