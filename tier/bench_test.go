package tier

import (
	"math/rand"
	"sync/atomic"
	"testing"

	"github.com/IvanBrykalov/shardgrid/peek"
)

// benchmarkMix runs a read/write mix against a warm store whose keyspace is
// twice the heap, so a steady share of reads promote from off-heap.
func benchmarkMix(b *testing.B, readsPct int) {
	s := newStore(b, Options[int, string]{
		Partitions:   64,
		HeapCapacity: 32_768,
	})
	const keyMask = (1 << 16) - 1
	for i := 0; i <= keyMask; i++ {
		_, _ = s.Put(i, "v", peek.TierNone)
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := i & keyMask
			if r.Intn(100) < readsPct {
				_, _, _ = s.Get(k)
			} else {
				_, _ = s.Put(k, "v", peek.TierNone)
			}
			i++
		}
	})
}

func BenchmarkStore_90r10w(b *testing.B) { benchmarkMix(b, 90) }
func BenchmarkStore_50r50w(b *testing.B) { benchmarkMix(b, 50) }

// Counting reads only per-partition counters, so it should not grow with
// the number of entries.
func BenchmarkStore_CountMatching(b *testing.B) {
	s := newStore(b, Options[int, string]{
		Partitions:   1024,
		HeapCapacity: 100_000,
		Swap:         NewMemorySwap[int, string](),
	})
	for i := 0; i < 200_000; i++ {
		_, _ = s.Put(i, "v", peek.TierNone)
	}
	pred := peek.MustResolve(peek.Primary, peek.Swap)
	role := func(int) peek.Role { return peek.RolePrimary }

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.CountMatching(pred, role, AllPartitions)
	}
}
