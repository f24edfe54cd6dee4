package cache

import (
	"context"
	"sync"
)

// Registry holds the per-filename locks and the not-found list of one proxy
// process. Entries are created lazily and never removed: a process lives for
// one streaming session.
type Registry struct {
	mu       sync.Mutex
	locks    map[string]chan struct{}
	notFound map[string]struct{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		locks:    make(map[string]chan struct{}),
		notFound: make(map[string]struct{}),
	}
}

// Lock acquires the lock for name, waiting until it is free or ctx is done.
// The returned func releases it.
func (r *Registry) Lock(ctx context.Context, name string) (func(), error) {
	sem := r.semaphoreFor(name)
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// MarkNotFound records that the origin does not have name.
func (r *Registry) MarkNotFound(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notFound[name] = struct{}{}
}

// IsNotFound reports whether name was marked not found.
func (r *Registry) IsNotFound(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.notFound[name]
	return ok
}

// semaphoreFor returns the lock channel for name, creating it if needed.
func (r *Registry) semaphoreFor(name string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	sem, ok := r.locks[name]
	if !ok {
		sem = make(chan struct{}, 1)
		r.locks[name] = sem
	}
	return sem
}
