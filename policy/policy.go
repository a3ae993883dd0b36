// Package policy defines the ordering contract used by the storage tiers.
//
// Every bounded tier list (on-heap, off-heap and the near overlay) of every
// partition owns one ListPolicy. The policy decides where a copy goes on
// admission and which copy leaves the list first when the list is over
// capacity. Leaving a list means demotion to the next tier, not loss.
package policy

// Node is the minimal contract a stored copy must satisfy for a policy.
// The pointer returned by Value allows in-place updates without re-linking.
type Node[K comparable, V any] interface {
	Key() K
	Value() *V
}

// Hooks expose O(1) operations on one intrusive MRU/LRU tier list.
// Implementations are provided by the partition segment.
//
// Concurrency: all hook calls happen under the partition lock.
// Hooks manage only the list; the segment owns the key map and tier labels.
type Hooks[K comparable, V any] interface {
	// MoveToFront promotes the node to MRU.
	MoveToFront(Node[K, V])
	// PushFront links the node at MRU (used on admission).
	PushFront(Node[K, V])
	// Remove unlinks the node from the list.
	Remove(Node[K, V])
	// Back returns the demotion candidate (or nil if empty).
	Back() Node[K, V]
	// Len returns the number of nodes linked into this list.
	Len() int
}

// ListPolicy is a per-list policy instance bound to list hooks.
// All methods are invoked under the partition lock.
//
//   - OnAdd may return a victim (e.g. the LRU of a probation queue).
//     The segment demotes it and calls OnRemove for it first.
//   - OnGet/OnUpdate typically promote the node.
//   - OnRemove notifies the policy that the node left the list, either by
//     demotion, promotion to another tier, or explicit removal.
type ListPolicy[K comparable, V any] interface {
	OnAdd(Node[K, V]) (victim Node[K, V])
	OnGet(Node[K, V])
	OnUpdate(Node[K, V])
	OnRemove(Node[K, V])
}

// Policy is a factory that creates list-local policy instances.
type Policy[K comparable, V any] interface {
	New(Hooks[K, V]) ListPolicy[K, V]
}
