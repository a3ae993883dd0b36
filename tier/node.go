package tier

import "github.com/IvanBrykalov/shardgrid/peek"

// node is an intrusive doubly linked list element owned by a segment.
// A node is linked into at most one tier list: heap, off-heap or near.
// Swap residents stay in the key map with tier == TierSwap, unlinked, and
// with a zero value (the value lives in the SwapStore).
type node[K comparable, V any] struct {
	key K
	val V

	// Intrusive list links: head is MRU, tail is the demotion candidate.
	prev *node[K, V]
	next *node[K, V]

	tier peek.Tier
	near bool
}

// Key returns the node key (part of policy.Node interface).
func (n *node[K, V]) Key() K { return n.key }

// Value returns a pointer to the stored value (part of policy.Node interface).
// Callers must only touch it while holding the segment lock.
func (n *node[K, V]) Value() *V { return &n.val }
