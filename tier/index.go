package tier

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/internal/util"
	"github.com/IvanBrykalov/shardgrid/peek"
	"github.com/IvanBrykalov/shardgrid/policy/lru"
)

// index is a partitioned, tiered Store.
type index[K comparable, V any] struct {
	parts  []*segment[K, V]
	partOf func(K) int
	closed atomic.Bool

	opt Options[K, V]
}

// New constructs a Store. Capacities are split evenly across partitions
// (ceil), so the effective bound may exceed the configured one by at most
// Partitions-1 copies per tier.
func New[K comparable, V any](opt Options[K, V]) (Store[K, V], error) {
	if opt.Partitions <= 0 {
		return nil, errors.Wrapf(ErrBadOptions, "partitions must be > 0, got %d", opt.Partitions)
	}
	if opt.HeapCapacity <= 0 {
		return nil, errors.Wrapf(ErrBadOptions, "heap capacity must be > 0, got %d", opt.HeapCapacity)
	}
	if opt.PartitionOf == nil {
		return nil, errors.Wrap(ErrBadOptions, "PartitionOf is required")
	}
	if opt.NearCapacity < 0 {
		return nil, errors.Wrapf(ErrBadOptions, "near capacity must be >= 0, got %d", opt.NearCapacity)
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.Policy == nil {
		opt.Policy = lru.New[K, V]()
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}

	caps := segmentCaps{
		heap:      util.CeilDiv(opt.HeapCapacity, opt.Partitions),
		offheapOn: opt.OffHeapCapacity >= 0,
		near:      util.CeilDiv(opt.NearCapacity, opt.Partitions),
	}
	if opt.OffHeapCapacity > 0 {
		caps.offheap = util.CeilDiv(opt.OffHeapCapacity, opt.Partitions)
	}

	idx := &index[K, V]{
		parts:  make([]*segment[K, V], opt.Partitions),
		partOf: opt.PartitionOf,
		opt:    opt,
	}
	for i := range idx.parts {
		idx.parts[i] = newSegment[K, V](i, caps, &idx.opt)
	}
	return idx, nil
}

// ---- Store[K,V] implementation ----

func (x *index[K, V]) Put(k K, v V, hint peek.Tier) (peek.Tier, error) {
	if x.closed.Load() {
		return peek.TierNone, ErrClosed
	}
	s, err := x.segmentOf(k)
	if err != nil {
		return peek.TierNone, err
	}
	return s.put(k, v, hint), nil
}

func (x *index[K, V]) Get(k K) (Entry[K, V], bool, error) {
	if x.closed.Load() {
		return Entry[K, V]{}, false, ErrClosed
	}
	s, err := x.segmentOf(k)
	if err != nil {
		return Entry[K, V]{}, false, err
	}
	return s.get(k)
}

func (x *index[K, V]) Peek(k K) (Entry[K, V], bool, error) {
	if x.closed.Load() {
		return Entry[K, V]{}, false, ErrClosed
	}
	s, err := x.segmentOf(k)
	if err != nil {
		return Entry[K, V]{}, false, err
	}
	return s.peek(k)
}

func (x *index[K, V]) Locate(k K) (Location, bool) {
	if x.closed.Load() {
		return Location{}, false
	}
	s, err := x.segmentOf(k)
	if err != nil {
		return Location{}, false
	}
	return s.locate(k)
}

func (x *index[K, V]) Remove(k K) bool {
	if x.closed.Load() {
		return false
	}
	s, err := x.segmentOf(k)
	if err != nil {
		return false
	}
	return s.remove(k)
}

func (x *index[K, V]) PutNear(k K, v V) bool {
	if x.closed.Load() {
		return false
	}
	s, err := x.segmentOf(k)
	if err != nil {
		return false
	}
	return s.putNear(k, v)
}

func (x *index[K, V]) RemoveNear(k K) bool {
	if x.closed.Load() {
		return false
	}
	s, err := x.segmentOf(k)
	if err != nil {
		return false
	}
	return s.removeNear(k)
}

// CountMatching returns 0 for an out-of-range partition or a closed store.
func (x *index[K, V]) CountMatching(pred peek.Predicate, role RoleFunc, partition int) int64 {
	if x.closed.Load() || pred.Never() {
		return 0
	}
	var total int64
	x.each(partition, func(s *segment[K, V]) {
		total += s.count(pred, x.roleOf(role, s.id))
	})
	return total
}

func (x *index[K, V]) Entries(pred peek.Predicate, role RoleFunc, partition int, fn func(Entry[K, V]) bool) error {
	if x.closed.Load() {
		return ErrClosed
	}
	for _, s := range x.selected(partition) {
		batch, err := s.entries(pred, x.roleOf(role, s.id))
		if err != nil {
			return err
		}
		for _, e := range batch {
			if !fn(e) {
				return nil
			}
		}
	}
	return nil
}

func (x *index[K, V]) Partitions() int { return len(x.parts) }

// Stats sums the per-partition counters. Partitions are visited one at a
// time, so totals are not a single atomic snapshot across partitions.
func (x *index[K, V]) Stats() Stats {
	var st Stats
	for _, s := range x.parts {
		ps := s.stats()
		st.Heap += ps.Heap
		st.OffHeap += ps.OffHeap
		st.Swap += ps.Swap
		st.Near += ps.Near
		st.Hits += ps.Hits
		st.Misses += ps.Misses
		st.Demotions += ps.Demotions
		st.Evictions += ps.Evictions
	}
	return st
}

func (x *index[K, V]) CheckInvariants() error {
	for _, s := range x.parts {
		if err := s.check(); err != nil {
			return err
		}
	}
	return nil
}

func (x *index[K, V]) Close() error {
	if x.closed.Swap(true) {
		return nil
	}
	if x.opt.Swap != nil {
		return errors.Wrap(x.opt.Swap.Close(), "close swap store")
	}
	return nil
}

// ---- helpers ----

func (x *index[K, V]) segmentOf(k K) (*segment[K, V], error) {
	p := x.partOf(k)
	if p < 0 || p >= len(x.parts) {
		return nil, errors.Errorf("tier: key %v mapped to partition %d of %d", k, p, len(x.parts))
	}
	return x.parts[p], nil
}

func (x *index[K, V]) selected(partition int) []*segment[K, V] {
	if partition == AllPartitions {
		return x.parts
	}
	if partition < 0 || partition >= len(x.parts) {
		return nil
	}
	return x.parts[partition : partition+1]
}

func (x *index[K, V]) each(partition int, fn func(*segment[K, V])) {
	for _, s := range x.selected(partition) {
		fn(s)
	}
}

// roleOf defaults to RolePrimary so a store used without a topology counts
// every main copy.
func (x *index[K, V]) roleOf(role RoleFunc, partition int) peek.Role {
	if role == nil {
		return peek.RolePrimary
	}
	return role(partition)
}
