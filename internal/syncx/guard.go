// Package syncx provides extended synchronization primitives
package syncx

import "sync"

// RWGuard wraps RWMutex around a value that one writer publishes and many
// readers observe. Every write bumps a version and wakes watchers.
type RWGuard[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	changed chan struct{}
}

// NewGuard creates a guarded value.
func NewGuard[T any](initial T) *RWGuard[T] {
	return &RWGuard[T]{value: initial, changed: make(chan struct{})}
}

// Get returns a copy of the value (T should be value type or immutable).
func (g *RWGuard[T]) Get() T {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value
}

// Load returns the value with the version it was published under.
func (g *RWGuard[T]) Load() (T, uint64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.value, g.version
}

// Set atomically replaces the value.
func (g *RWGuard[T]) Set(v T) {
	g.Update(func(cur *T) { *cur = v })
}

// Update executes fn while holding write lock, fn receives pointer for mutation.
func (g *RWGuard[T]) Update(fn func(*T)) {
	g.mu.Lock()
	fn(&g.value)
	g.version++
	ch := g.changed
	g.changed = make(chan struct{})
	g.mu.Unlock()
	close(ch)
}

// Changed returns a channel closed on the next write after the call.
func (g *RWGuard[T]) Changed() <-chan struct{} {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.changed
}

// Version returns the number of writes so far.
func (g *RWGuard[T]) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// View executes fn while holding read lock.
func View[T, R any](g *RWGuard[T], fn func(T) R) R {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return fn(g.value)
}
