package tier

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/internal/util"
	"github.com/IvanBrykalov/shardgrid/peek"
	"github.com/IvanBrykalov/shardgrid/policy"
	"github.com/IvanBrykalov/shardgrid/policy/lru"
)

// tierList is one intrusive MRU/LRU list with its own capacity and policy.
type tierList[K comparable, V any] struct {
	head *node[K, V] // MRU
	tail *node[K, V] // demotion candidate
	len  int
	cap  int // 0 = unbounded
	pol  policy.ListPolicy[K, V]
}

func (l *tierList[K, V]) full() bool { return l.cap > 0 && l.len > l.cap }

// insertFront links n at MRU in O(1).
func (l *tierList[K, V]) insertFront(n *node[K, V]) {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	}
	l.head = n
	if l.tail == nil {
		l.tail = n
	}
	l.len++
}

// moveToFront promotes n to MRU in O(1).
func (l *tierList[K, V]) moveToFront(n *node[K, V]) {
	if n == l.head {
		return
	}
	l.unlink(n)
	l.insertFront(n)
}

// unlink detaches n in O(1).
func (l *tierList[K, V]) unlink(n *node[K, V]) {
	if n.prev != nil {
		n.prev.next = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	}
	if l.head == n {
		l.head = n.next
	}
	if l.tail == n {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
	l.len--
}

// listHooks adapts a tierList to policy.Hooks.
type listHooks[K comparable, V any] struct{ l *tierList[K, V] }

func (h listHooks[K, V]) MoveToFront(x policy.Node[K, V]) { h.l.moveToFront(x.(*node[K, V])) }
func (h listHooks[K, V]) PushFront(x policy.Node[K, V])   { h.l.insertFront(x.(*node[K, V])) }
func (h listHooks[K, V]) Remove(x policy.Node[K, V])      { h.l.unlink(x.(*node[K, V])) }
func (h listHooks[K, V]) Back() policy.Node[K, V] {
	if h.l.tail == nil {
		return nil
	}
	return h.l.tail
}
func (h listHooks[K, V]) Len() int { return h.l.len }

// segment holds every local copy of one partition: the main store spread
// over heap, off-heap and swap, plus the near overlay. One RWMutex guards
// all of it, so a count over a segment never sees a copy mid-move.
type segment[K comparable, V any] struct {
	// ---- guarded by mu ----
	mu        sync.RWMutex
	id        int
	m         map[K]*node[K, V] // main store, any tier
	near      map[K]*node[K, V] // near overlay, always on-heap
	heap      tierList[K, V]
	offheap   tierList[K, V]
	nearList  tierList[K, V]
	offheapOn bool
	swapLen   int

	opt *Options[K, V]
	log *zap.Logger

	// ---- hot counters ----
	_         util.Pad
	hits      util.Counter
	misses    util.Counter
	demotions util.Counter
	evicts    util.Counter
}

type segmentCaps struct {
	heap, offheap, near int
	offheapOn           bool
}

func newSegment[K comparable, V any](id int, caps segmentCaps, opt *Options[K, V]) *segment[K, V] {
	s := &segment[K, V]{
		id:        id,
		m:         make(map[K]*node[K, V]),
		near:      make(map[K]*node[K, V]),
		offheapOn: caps.offheapOn,
		opt:       opt,
		log:       opt.Logger.With(zap.Int("partition", id)),
	}
	s.heap.cap = caps.heap
	s.offheap.cap = caps.offheap
	s.nearList.cap = caps.near

	s.heap.pol = opt.Policy.New(listHooks[K, V]{l: &s.heap})
	s.offheap.pol = opt.Policy.New(listHooks[K, V]{l: &s.offheap})
	s.nearList.pol = lru.New[K, V]().New(listHooks[K, V]{l: &s.nearList})
	return s
}

func (s *segment[K, V]) list(t peek.Tier) *tierList[K, V] {
	switch t {
	case peek.TierHeap:
		return &s.heap
	case peek.TierOffHeap:
		return &s.offheap
	}
	s.violation("no list for tier", zap.Stringer("tier", t))
	return nil
}

// put stores v as the main copy of k and returns the tier it landed on.
// TierNone means the copy was dropped because every tier was full.
func (s *segment[K, V]) put(k K, v V, hint peek.Tier) peek.Tier {
	s.mu.Lock()
	defer s.mu.Unlock()

	if nn, ok := s.near[k]; ok {
		s.unlinkNearLocked(nn)
	}

	if n, ok := s.m[k]; ok {
		switch n.tier {
		case peek.TierHeap, peek.TierOffHeap:
			n.val = v
			s.list(n.tier).pol.OnUpdate(n)
		case peek.TierSwap:
			s.dropSwappedLocked(n)
			n.val = v
			s.admitLocked(n, peek.TierHeap)
		default:
			s.violation("resident copy without a tier", zap.Stringer("tier", n.tier))
		}
		return n.tier
	}

	n := &node[K, V]{key: k, val: v}
	s.m[k] = n
	s.admitLocked(n, s.resolveHint(hint))
	return n.tier
}

// get returns the copy of k and promotes it to the heap tier.
func (s *segment[K, V]) get(k K) (Entry[K, V], bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.m[k]; ok {
		var v V
		switch n.tier {
		case peek.TierHeap:
			s.heap.pol.OnGet(n)
			v = n.val
		case peek.TierOffHeap:
			s.offheap.pol.OnRemove(n)
			s.offheap.unlink(n)
			s.opt.Metrics.Resident(peek.TierOffHeap, false, -1)
			v = n.val
			s.admitLocked(n, peek.TierHeap)
		case peek.TierSwap:
			sv, err := s.loadSwappedLocked(n)
			if err != nil {
				return Entry[K, V]{}, false, err
			}
			s.dropSwappedLocked(n)
			n.val = sv
			v = sv
			s.admitLocked(n, peek.TierHeap)
		default:
			s.violation("resident copy without a tier", zap.Stringer("tier", n.tier))
		}
		s.hit()
		return Entry[K, V]{Key: k, Value: v, Location: Location{Partition: s.id, Tier: n.tier}}, true, nil
	}
	if n, ok := s.near[k]; ok {
		s.nearList.pol.OnGet(n)
		s.hit()
		return Entry[K, V]{Key: k, Value: n.val, Location: Location{Partition: s.id, Tier: peek.TierHeap, Near: true}}, true, nil
	}
	s.misses.Inc()
	s.opt.Metrics.Miss()
	return Entry[K, V]{}, false, nil
}

// peek reads the copy of k without reordering or moving it.
func (s *segment[K, V]) peek(k K) (Entry[K, V], bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n, ok := s.m[k]; ok {
		e := Entry[K, V]{Key: k, Value: n.val, Location: Location{Partition: s.id, Tier: n.tier}}
		if n.tier == peek.TierSwap {
			v, err := s.loadSwappedLocked(n)
			if err != nil {
				return Entry[K, V]{}, false, err
			}
			e.Value = v
		}
		return e, true, nil
	}
	if n, ok := s.near[k]; ok {
		return Entry[K, V]{Key: k, Value: n.val, Location: Location{Partition: s.id, Tier: peek.TierHeap, Near: true}}, true, nil
	}
	return Entry[K, V]{}, false, nil
}

func (s *segment[K, V]) locate(k K) (Location, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n, ok := s.m[k]; ok {
		return Location{Partition: s.id, Tier: n.tier}, true
	}
	if _, ok := s.near[k]; ok {
		return Location{Partition: s.id, Tier: peek.TierHeap, Near: true}, true
	}
	return Location{}, false
}

// remove drops both the main and the near copy of k.
func (s *segment[K, V]) remove(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := false
	if n, ok := s.near[k]; ok {
		s.unlinkNearLocked(n)
		removed = true
	}
	if n, ok := s.m[k]; ok {
		switch n.tier {
		case peek.TierHeap, peek.TierOffHeap:
			l := s.list(n.tier)
			l.pol.OnRemove(n)
			l.unlink(n)
			s.opt.Metrics.Resident(n.tier, false, -1)
		case peek.TierSwap:
			s.dropSwappedLocked(n)
		default:
			s.violation("resident copy without a tier", zap.Stringer("tier", n.tier))
		}
		delete(s.m, k)
		n.tier = peek.TierNone
		removed = true
	}
	return removed
}

// putNear stores a near copy. It refuses when the main store already holds
// k, so a key is never counted twice on one node.
func (s *segment[K, V]) putNear(k K, v V) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nearList.cap == 0 {
		return false
	}
	if _, ok := s.m[k]; ok {
		return false
	}
	if n, ok := s.near[k]; ok {
		n.val = v
		s.nearList.pol.OnUpdate(n)
		return true
	}

	n := &node[K, V]{key: k, val: v, tier: peek.TierHeap, near: true}
	s.near[k] = n
	s.opt.Metrics.Resident(peek.TierHeap, true, 1)
	if victim := s.nearList.pol.OnAdd(n); victim != nil {
		s.evictNearLocked(victim.(*node[K, V]))
	}
	for s.nearList.full() {
		s.evictNearLocked(s.nearList.tail)
	}
	return true
}

func (s *segment[K, V]) removeNear(k K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.near[k]
	if !ok {
		return false
	}
	s.unlinkNearLocked(n)
	return true
}

// count sums the copies accepted by pred. role is this node's role for the
// partition under the caller's topology snapshot.
func (s *segment[K, V]) count(pred peek.Predicate, role peek.Role) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var c int64
	if pred.Accepts(role, peek.TierHeap) {
		c += int64(s.heap.len)
	}
	if pred.Accepts(role, peek.TierOffHeap) {
		c += int64(s.offheap.len)
	}
	if pred.Accepts(role, peek.TierSwap) {
		c += int64(s.swapLen)
	}
	if pred.Accepts(peek.RoleNear, peek.TierHeap) {
		c += int64(s.nearList.len)
	}
	return c
}

// entries snapshots the accepted copies. Swapped values are read back from
// the swap store under the read lock.
func (s *segment[K, V]) entries(pred peek.Predicate, role peek.Role) ([]Entry[K, V], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry[K, V]
	if !pred.Never() {
		for k, n := range s.m {
			if !pred.Accepts(role, n.tier) {
				continue
			}
			v := n.val
			if n.tier == peek.TierSwap {
				sv, err := s.loadSwappedLocked(n)
				if err != nil {
					return nil, err
				}
				v = sv
			}
			out = append(out, Entry[K, V]{Key: k, Value: v, Location: Location{Partition: s.id, Tier: n.tier}})
		}
	}
	if pred.Accepts(peek.RoleNear, peek.TierHeap) {
		for k, n := range s.near {
			out = append(out, Entry[K, V]{Key: k, Value: n.val, Location: Location{Partition: s.id, Tier: peek.TierHeap, Near: true}})
		}
	}
	return out, nil
}

func (s *segment[K, V]) stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{
		Heap:      int64(s.heap.len),
		OffHeap:   int64(s.offheap.len),
		Swap:      int64(s.swapLen),
		Near:      int64(s.nearList.len),
		Hits:      int64(s.hits.Load()),
		Misses:    int64(s.misses.Load()),
		Demotions: s.demotions.Load(),
		Evictions: s.evicts.Load(),
	}
}

// check walks every list and verifies the bookkeeping.
func (s *segment[K, V]) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := 0
	for _, t := range []peek.Tier{peek.TierHeap, peek.TierOffHeap} {
		l := s.list(t)
		n, cnt := l.head, 0
		for ; n != nil; n = n.next {
			if s.m[n.key] != n || n.tier != t || n.near {
				return errors.Errorf("partition %d: %v list holds foreign copy %v", s.id, t, n.key)
			}
			cnt++
		}
		if cnt != l.len {
			return errors.Errorf("partition %d: %v list length %d, counter %d", s.id, t, cnt, l.len)
		}
		if l.full() {
			return errors.Errorf("partition %d: %v list over capacity %d/%d", s.id, t, l.len, l.cap)
		}
		seen += cnt
	}
	swapped := 0
	for _, n := range s.m {
		if n.tier == peek.TierSwap {
			swapped++
		}
	}
	if swapped != s.swapLen {
		return errors.Errorf("partition %d: swap counter %d, residents %d", s.id, s.swapLen, swapped)
	}
	if seen+swapped != len(s.m) {
		return errors.Errorf("partition %d: %d main copies, %d accounted", s.id, len(s.m), seen+swapped)
	}

	cnt := 0
	for n := s.nearList.head; n != nil; n = n.next {
		if s.near[n.key] != n || !n.near {
			return errors.Errorf("partition %d: near list holds foreign copy %v", s.id, n.key)
		}
		if _, dup := s.m[n.key]; dup {
			return errors.Errorf("partition %d: %v is both near and main", s.id, n.key)
		}
		cnt++
	}
	if cnt != s.nearList.len || cnt != len(s.near) {
		return errors.Errorf("partition %d: near list %d, counter %d, map %d", s.id, cnt, s.nearList.len, len(s.near))
	}
	return nil
}

// -------------------- internals (mu held) --------------------

func (s *segment[K, V]) resolveHint(hint peek.Tier) peek.Tier {
	switch hint {
	case peek.TierOffHeap:
		if s.offheapOn {
			return peek.TierOffHeap
		}
	case peek.TierSwap:
		if s.opt.Swap != nil {
			return peek.TierSwap
		}
		if s.offheapOn {
			return peek.TierOffHeap
		}
	}
	return peek.TierHeap
}

// admitLocked links n into tier t and demotes until t is within capacity.
func (s *segment[K, V]) admitLocked(n *node[K, V], t peek.Tier) {
	if t == peek.TierSwap {
		s.swapOutLocked(n)
		return
	}
	l := s.list(t)
	n.tier = t
	s.opt.Metrics.Resident(t, false, 1)
	if victim := l.pol.OnAdd(n); victim != nil {
		s.demoteLocked(victim.(*node[K, V]), t)
	}
	for l.full() {
		s.demoteLocked(l.tail, t)
	}
}

// demoteLocked moves n one tier down, or drops it when no lower tier exists.
func (s *segment[K, V]) demoteLocked(n *node[K, V], from peek.Tier) {
	l := s.list(from)
	l.pol.OnRemove(n)
	l.unlink(n)
	s.opt.Metrics.Resident(from, false, -1)

	switch {
	case from == peek.TierHeap && s.offheapOn:
		s.demotions.Inc()
		s.opt.Metrics.Demote(from, peek.TierOffHeap)
		s.admitLocked(n, peek.TierOffHeap)
	case s.opt.Swap != nil:
		s.demotions.Inc()
		s.opt.Metrics.Demote(from, peek.TierSwap)
		s.swapOutLocked(n)
	default:
		s.dropLocked(n, EvictCapacity)
	}
}

func (s *segment[K, V]) swapOutLocked(n *node[K, V]) {
	if err := s.opt.Swap.Put(s.id, n.key, n.val); err != nil {
		s.log.Error("swap write failed, dropping copy", zap.Any("key", n.key), zap.Error(err))
		s.dropLocked(n, EvictSwapFailure)
		return
	}
	var zero V
	n.val = zero
	n.tier = peek.TierSwap
	s.swapLen++
	s.opt.Metrics.Resident(peek.TierSwap, false, 1)
}

func (s *segment[K, V]) loadSwappedLocked(n *node[K, V]) (V, error) {
	v, ok, err := s.opt.Swap.Get(s.id, n.key)
	if err != nil {
		return v, errors.Wrapf(err, "read swapped copy of %v", n.key)
	}
	if !ok {
		s.violation("swapped copy missing from swap store", zap.Any("key", n.key))
	}
	return v, nil
}

// dropSwappedLocked forgets the swap-resident value of n; n stays in the map.
func (s *segment[K, V]) dropSwappedLocked(n *node[K, V]) {
	if err := s.opt.Swap.Delete(s.id, n.key); err != nil {
		s.log.Warn("swap delete failed", zap.Any("key", n.key), zap.Error(err))
	}
	s.swapLen--
	if s.swapLen < 0 {
		s.violation("negative swap counter")
	}
	n.tier = peek.TierNone
	s.opt.Metrics.Resident(peek.TierSwap, false, -1)
}

func (s *segment[K, V]) dropLocked(n *node[K, V], reason EvictReason) {
	delete(s.m, n.key)
	n.tier = peek.TierNone
	s.evicts.Inc()
	s.opt.Metrics.Evict(reason)
	if cb := s.opt.OnEvict; cb != nil {
		cb(n.key, reason)
	}
}

func (s *segment[K, V]) unlinkNearLocked(n *node[K, V]) {
	s.nearList.pol.OnRemove(n)
	s.nearList.unlink(n)
	delete(s.near, n.key)
	s.opt.Metrics.Resident(peek.TierHeap, true, -1)
}

func (s *segment[K, V]) evictNearLocked(n *node[K, V]) {
	s.unlinkNearLocked(n)
	s.evicts.Inc()
	s.opt.Metrics.Evict(EvictNear)
	if cb := s.opt.OnEvict; cb != nil {
		cb(n.key, EvictNear)
	}
}

func (s *segment[K, V]) hit() {
	s.hits.Inc()
	s.opt.Metrics.Hit()
}

// violation reports broken bookkeeping. The counts it guards feed every size
// query, so the process does not continue past it.
func (s *segment[K, V]) violation(msg string, fields ...zap.Field) {
	s.log.Error("tier invariant violated: "+msg, fields...)
	panic(errors.Wrap(ErrInvariantViolation, fmt.Sprintf("partition %d: %s", s.id, msg)))
}
