// Package singleflight merges concurrent identical requests into one
// execution. Grid nodes use it to answer a burst of equal count requests
// with a single pass over the local index.
package singleflight

import (
	"context"
	"sync"
)

// Group holds the in-flight calls per key. The zero value is ready to use.
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*flight[V]
}

type flight[V any] struct {
	done    chan struct{} // closed after val/err are set
	val     V
	err     error
	waiters int
}

// Do returns the result of fn for key, running fn only if no call for key is
// already in flight. shared reports whether the result was also delivered
// to another caller.
//
// A caller whose ctx ends stops waiting and gets ctx.Err(); the leader keeps
// running fn with its own ctx.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func(context.Context) (V, error)) (v V, shared bool, err error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*flight[V])
	}
	if f, ok := g.m[key]; ok {
		f.waiters++
		g.mu.Unlock()

		select {
		case <-f.done:
			return f.val, true, f.err
		case <-ctx.Done():
			var zero V
			return zero, false, ctx.Err()
		}
	}
	f := &flight[V]{done: make(chan struct{})}
	g.m[key] = f
	g.mu.Unlock()

	f.val, f.err = fn(ctx)

	g.mu.Lock()
	delete(g.m, key)
	shared = f.waiters > 0
	g.mu.Unlock()
	close(f.done)

	return f.val, shared, f.err
}

// InFlight returns the number of keys currently being computed.
func (g *Group[K, V]) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.m)
}
