// Package completion provides a single-assignment result shared by
// competing producers: the first Resolve wins, every later one is a no-op.
package completion

import (
	"context"
	"sync"
	"sync/atomic"
)

// Gate is a one-shot promise for a value of type T.
type Gate[T any] struct {
	resolved atomic.Bool
	done     chan struct{}
	once     sync.Once
	value    T
	source   string
}

// NewGate returns an unresolved gate.
func NewGate[T any]() *Gate[T] {
	return &Gate[T]{done: make(chan struct{})}
}

// Resolve stores v if the gate is still open and reports whether this call
// won. source names the producer for diagnostics.
func (g *Gate[T]) Resolve(source string, v T) bool {
	if !g.resolved.CompareAndSwap(false, true) {
		return false
	}
	g.value = v
	g.source = source
	g.once.Do(func() { close(g.done) })
	return true
}

// Resolved reports whether some producer has already won.
func (g *Gate[T]) Resolved() bool {
	return g.resolved.Load()
}

// Done is closed once the gate resolves.
func (g *Gate[T]) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the gate resolves or ctx ends.
func (g *Gate[T]) Wait(ctx context.Context) (T, string, error) {
	select {
	case <-g.done:
		return g.value, g.source, nil
	case <-ctx.Done():
		var zero T
		return zero, "", ctx.Err()
	}
}
