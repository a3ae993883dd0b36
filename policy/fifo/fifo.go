// Package fifo implements insertion-order demotion: reads and updates do not
// reorder a tier list, so the oldest admitted copy always leaves first.
package fifo

import "github.com/IvanBrykalov/shardgrid/policy"

type fifo[K comparable, V any] struct {
	h policy.Hooks[K, V]
}

type fifoPolicy[K comparable, V any] struct{}

// New returns a Policy factory that constructs per-list FIFO instances.
func New[K comparable, V any]() policy.Policy[K, V] { return fifoPolicy[K, V]{} }

func (fifoPolicy[K, V]) New(h policy.Hooks[K, V]) policy.ListPolicy[K, V] {
	return &fifo[K, V]{h: h}
}

func (p *fifo[K, V]) OnAdd(n policy.Node[K, V]) (victim policy.Node[K, V]) {
	p.h.PushFront(n)
	return nil
}

func (p *fifo[K, V]) OnGet(policy.Node[K, V])    {}
func (p *fifo[K, V]) OnUpdate(policy.Node[K, V]) {}
func (p *fifo[K, V]) OnRemove(policy.Node[K, V]) {}
