package tier

import (
	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/policy"
)

// Options configures an Index. Zero values are safe where noted;
// defaults are applied in New():
//   - nil Policy   => LRU
//   - nil Metrics  => NoopMetrics
//   - nil Logger   => zap.NewNop()
type Options[K comparable, V any] struct {
	// Partitions is the fixed partition count (> 0).
	Partitions int
	// PartitionOf maps a key to its partition. Required.
	PartitionOf func(K) int

	// HeapCapacity bounds on-heap residents (> 0). Split evenly across partitions.
	HeapCapacity int
	// OffHeapCapacity bounds off-heap residents: 0 => unbounded, < 0 => tier disabled.
	OffHeapCapacity int
	// Swap is the disk-backed overflow tier; nil disables swap and overflow
	// past the last bounded tier drops the copy.
	Swap SwapStore[K, V]

	// NearCapacity bounds the near overlay; 0 disables it.
	NearCapacity int

	// Policy orders heap and off-heap lists and picks demotion victims.
	Policy policy.Policy[K, V]

	// OnEvict is called under the partition lock when a copy is dropped.
	OnEvict func(k K, reason EvictReason)
	Metrics Metrics
	Logger  *zap.Logger
}
