package tier

import "github.com/IvanBrykalov/shardgrid/peek"

// AllPartitions selects every partition in CountMatching and Entries.
const AllPartitions = -1

// Location describes where a local copy lives.
type Location struct {
	Partition int
	Tier      peek.Tier
	// Near marks a copy held by the near overlay rather than the main store.
	Near bool
}

// Entry is a key/value pair with its location.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
	Location
}

// RoleFunc reports the local node's role for a partition. It is evaluated
// once per partition per query, never per entry.
type RoleFunc func(partition int) peek.Role

// Stats is a point-in-time view of the index counters.
type Stats struct {
	Heap, OffHeap, Swap, Near int64

	Hits, Misses         int64
	Demotions, Evictions uint64
}

// Store is the per-cache local storage of one node, partitioned and tiered.
// All methods are safe for concurrent use by multiple goroutines.
//
// Each main copy lives on exactly one tier at any instant. Moves between
// tiers happen under the partition lock, so counting never sees a copy on
// two tiers or on none.
type Store[K comparable, V any] interface {
	// Put stores the main copy of k. A new key lands on hint (TierNone =>
	// heap) and may be demoted further by capacity pressure; an existing key
	// is updated in place. The returned tier is where the copy lives after
	// the call; TierNone means it was dropped.
	Put(k K, v V, hint peek.Tier) (peek.Tier, error)

	// Get returns the local copy of k and promotes off-heap and swapped
	// copies back to the heap.
	Get(k K) (Entry[K, V], bool, error)

	// Peek returns the local copy of k without moving it.
	Peek(k K) (Entry[K, V], bool, error)

	// Locate reports where k lives locally without reading its value.
	Locate(k K) (Location, bool)

	// Remove deletes the main and near copies of k. Idempotent.
	Remove(k K) bool

	// PutNear stores a near copy of k. Returns false when the near overlay is
	// disabled or k already has a main copy here.
	PutNear(k K, v V) bool
	RemoveNear(k K) bool

	// CountMatching counts the copies accepted by pred in one partition or in
	// AllPartitions.
	CountMatching(pred peek.Predicate, role RoleFunc, partition int) int64

	// Entries calls fn for every accepted copy until fn returns false.
	// fn runs outside the partition locks.
	Entries(pred peek.Predicate, role RoleFunc, partition int, fn func(Entry[K, V]) bool) error

	Partitions() int
	Stats() Stats

	// CheckInvariants verifies list and counter bookkeeping of every partition.
	CheckInvariants() error

	// Close releases the swap store. Later calls return ErrClosed.
	Close() error
}
