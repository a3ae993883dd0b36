// Package lru implements least-recently-used ordering for tier lists.
package lru

import "github.com/IvanBrykalov/shardgrid/policy"

// lru is a classic "move-to-front" policy: the least recently touched copy
// is the first one demoted.
type lru[K comparable, V any] struct {
	h policy.Hooks[K, V]
}

type lruPolicy[K comparable, V any] struct{}

// New returns a Policy factory that constructs per-list LRU instances.
func New[K comparable, V any]() policy.Policy[K, V] { return lruPolicy[K, V]{} }

func (lruPolicy[K, V]) New(h policy.Hooks[K, V]) policy.ListPolicy[K, V] {
	return &lru[K, V]{h: h}
}

// OnAdd links the copy at MRU. LRU never proposes a victim itself;
// the segment demotes from Back() while the list is over capacity.
func (p *lru[K, V]) OnAdd(n policy.Node[K, V]) (victim policy.Node[K, V]) {
	p.h.PushFront(n)
	return nil
}

func (p *lru[K, V]) OnGet(n policy.Node[K, V]) { p.h.MoveToFront(n) }

// OnUpdate counts as recent use.
func (p *lru[K, V]) OnUpdate(n policy.Node[K, V]) { p.h.MoveToFront(n) }

func (p *lru[K, V]) OnRemove(_ policy.Node[K, V]) {}
