// Package tier implements the local storage of one cache on one node.
//
// Design
//
//   - Partitions: the store is split into a fixed number of partitions,
//     matching the affinity partitions, each protected by an RWMutex.
//     Capacities are split evenly across partitions (rounded up) and each
//     bound holds per partition: a hot partition demotes to off-heap while
//     the node's total heap residency is still below HeapCapacity.
//
//   - Tiers: every main copy lives on exactly one of heap, off-heap or swap.
//     Heap and off-heap are intrusive MRU/LRU lists ordered by a pluggable
//     policy (LRU by default, 2Q and FIFO are provided). When a list goes over
//     capacity its tail is demoted one tier down: heap to off-heap, off-heap
//     to swap. Without a lower tier the copy is dropped and counted as an
//     eviction.
//
//   - Swap: swapped copies keep their key in the partition map and their
//     value in a SwapStore (in-memory or bolt-backed). Locating a key never
//     touches the swap store.
//
//   - Near overlay: a bounded LRU of copies for keys this node does not own.
//     A key is never held by the main store and the overlay at once.
//
//   - Counting: CountMatching takes a peek.Predicate and the local node's
//     role per partition. It reads list lengths and counters under the read
//     lock, so it costs O(partitions), not O(entries).
//
//   - Metrics: Options.Metrics receives Hit/Miss/Demote/Evict/Resident
//     signals. NoopMetrics is the default; metrics/prom exports them.
package tier
