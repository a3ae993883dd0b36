package tier

import (
	"errors"
	"slices"
	"testing"

	"github.com/IvanBrykalov/shardgrid/peek"
	"github.com/IvanBrykalov/shardgrid/policy/twoq"
)

func modInt(partitions int) func(int) int {
	return func(k int) int { return k % partitions }
}

func newStore(t testing.TB, opt Options[int, string]) Store[int, string] {
	t.Helper()
	if opt.Partitions == 0 {
		opt.Partitions = 1
	}
	if opt.PartitionOf == nil {
		opt.PartitionOf = modInt(opt.Partitions)
	}
	s, err := New(opt)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mustPut(t *testing.T, s Store[int, string], k int, v string) peek.Tier {
	t.Helper()
	tr, err := s.Put(k, v, peek.TierNone)
	if err != nil {
		t.Fatalf("Put(%d): %v", k, err)
	}
	return tr
}

func tierOf(t *testing.T, s Store[int, string], k int) peek.Tier {
	t.Helper()
	loc, ok := s.Locate(k)
	if !ok {
		return peek.TierNone
	}
	return loc.Tier
}

func checkInvariants(t *testing.T, s Store[int, string]) {
	t.Helper()
	if err := s.CheckInvariants(); err != nil {
		t.Fatal(err)
	}
}

func TestStore_PutGetRemove(t *testing.T) {
	t.Parallel()

	s := newStore(t, Options[int, string]{Partitions: 4, HeapCapacity: 8})

	if got := mustPut(t, s, 1, "a"); got != peek.TierHeap {
		t.Fatalf("new key landed on %v, want HEAP", got)
	}
	mustPut(t, s, 1, "b")
	e, ok, err := s.Get(1)
	if err != nil || !ok || e.Value != "b" {
		t.Fatalf("Get(1) = %+v ok=%v err=%v", e, ok, err)
	}
	if e.Partition != 1 || e.Near {
		t.Fatalf("unexpected location %+v", e.Location)
	}

	if !s.Remove(1) {
		t.Fatal("Remove(1) must report a removal")
	}
	if s.Remove(1) {
		t.Fatal("second Remove must be a no-op")
	}
	if _, ok, _ := s.Get(1); ok {
		t.Fatal("1 must be absent after Remove")
	}
	checkInvariants(t, s)
}

// Heap overflow demotes to off-heap, off-heap overflow to swap.
func TestStore_DemotionChain(t *testing.T) {
	t.Parallel()

	s := newStore(t, Options[int, string]{
		HeapCapacity:    2,
		OffHeapCapacity: 2,
		Swap:            NewMemorySwap[int, string](),
	})
	for k := 1; k <= 6; k++ {
		mustPut(t, s, k, "v")
	}

	want := map[int]peek.Tier{
		6: peek.TierHeap, 5: peek.TierHeap,
		4: peek.TierOffHeap, 3: peek.TierOffHeap,
		2: peek.TierSwap, 1: peek.TierSwap,
	}
	for k, tr := range want {
		if got := tierOf(t, s, k); got != tr {
			t.Errorf("key %d on %v, want %v", k, got, tr)
		}
	}
	st := s.Stats()
	if st.Heap != 2 || st.OffHeap != 2 || st.Swap != 2 || st.Demotions != 6 || st.Evictions != 0 {
		t.Fatalf("stats = %+v", st)
	}
	checkInvariants(t, s)
}

// Get brings a swapped copy back to the heap and pushes the chain down.
func TestStore_GetPromotesSwapped(t *testing.T) {
	t.Parallel()

	s := newStore(t, Options[int, string]{
		HeapCapacity:    2,
		OffHeapCapacity: 2,
		Swap:            NewMemorySwap[int, string](),
	})
	for k := 1; k <= 6; k++ {
		mustPut(t, s, k, "v"+string(rune('0'+k)))
	}

	e, ok, err := s.Peek(1)
	if err != nil || !ok || e.Value != "v1" || e.Tier != peek.TierSwap {
		t.Fatalf("Peek(1) = %+v ok=%v err=%v", e, ok, err)
	}
	if tierOf(t, s, 1) != peek.TierSwap {
		t.Fatal("Peek must not move the copy")
	}

	e, ok, err = s.Get(1)
	if err != nil || !ok || e.Value != "v1" || e.Tier != peek.TierHeap {
		t.Fatalf("Get(1) = %+v ok=%v err=%v", e, ok, err)
	}
	want := map[int]peek.Tier{
		1: peek.TierHeap, 6: peek.TierHeap,
		5: peek.TierOffHeap, 4: peek.TierOffHeap,
		3: peek.TierSwap, 2: peek.TierSwap,
	}
	for k, tr := range want {
		if got := tierOf(t, s, k); got != tr {
			t.Errorf("key %d on %v, want %v", k, got, tr)
		}
	}
	checkInvariants(t, s)
}

func TestStore_OverflowWithoutSwapDrops(t *testing.T) {
	t.Parallel()

	var dropped []int
	s := newStore(t, Options[int, string]{
		HeapCapacity:    1,
		OffHeapCapacity: -1,
		OnEvict: func(k int, r EvictReason) {
			if r != EvictCapacity {
				t.Errorf("reason = %v, want capacity", r)
			}
			dropped = append(dropped, k)
		},
	})
	mustPut(t, s, 1, "a")
	if got := mustPut(t, s, 2, "b"); got != peek.TierHeap {
		t.Fatalf("2 landed on %v", got)
	}
	if _, ok := s.Locate(1); ok {
		t.Fatal("1 must be dropped")
	}
	if !slices.Equal(dropped, []int{1}) {
		t.Fatalf("dropped = %v", dropped)
	}
	if st := s.Stats(); st.Evictions != 1 || st.Demotions != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStore_UnboundedOffHeap(t *testing.T) {
	t.Parallel()

	s := newStore(t, Options[int, string]{HeapCapacity: 1})
	for k := 0; k < 100; k++ {
		mustPut(t, s, k, "v")
	}
	if st := s.Stats(); st.Heap != 1 || st.OffHeap != 99 || st.Evictions != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestStore_PlacementHint(t *testing.T) {
	t.Parallel()

	s := newStore(t, Options[int, string]{
		HeapCapacity: 4,
		Swap:         NewMemorySwap[int, string](),
	})
	tests := []struct {
		key  int
		hint peek.Tier
		want peek.Tier
	}{
		{1, peek.TierNone, peek.TierHeap},
		{2, peek.TierHeap, peek.TierHeap},
		{3, peek.TierOffHeap, peek.TierOffHeap},
		{4, peek.TierSwap, peek.TierSwap},
	}
	for _, tt := range tests {
		got, err := s.Put(tt.key, "v", tt.hint)
		if err != nil || got != tt.want {
			t.Errorf("Put(%d, hint %v) = %v, %v; want %v", tt.key, tt.hint, got, err, tt.want)
		}
	}

	// Updating a swapped key brings it back to the heap.
	if got := mustPut(t, s, 4, "w"); got != peek.TierHeap {
		t.Fatalf("update of swapped key landed on %v", got)
	}
	checkInvariants(t, s)

	noSwap := newStore(t, Options[int, string]{HeapCapacity: 4, OffHeapCapacity: -1})
	if got, _ := noSwap.Put(1, "v", peek.TierSwap); got != peek.TierHeap {
		t.Fatalf("swap hint without swap tier landed on %v", got)
	}
}

func TestStore_NearOverlay(t *testing.T) {
	t.Parallel()

	var nearEvicted []int
	s := newStore(t, Options[int, string]{
		HeapCapacity: 8,
		NearCapacity: 2,
		OnEvict: func(k int, r EvictReason) {
			if r == EvictNear {
				nearEvicted = append(nearEvicted, k)
			}
		},
	})

	mustPut(t, s, 1, "main")
	if s.PutNear(1, "near") {
		t.Fatal("near copy must be refused while a main copy exists")
	}

	if !s.PutNear(2, "n2") {
		t.Fatal("PutNear(2) refused")
	}
	loc, ok := s.Locate(2)
	if !ok || !loc.Near || loc.Tier != peek.TierHeap {
		t.Fatalf("Locate(2) = %+v ok=%v", loc, ok)
	}

	// A main copy replaces the near copy.
	mustPut(t, s, 2, "main2")
	if loc, _ := s.Locate(2); loc.Near {
		t.Fatal("main Put must supersede the near copy")
	}

	s.PutNear(3, "n3")
	s.PutNear(4, "n4")
	s.PutNear(5, "n5")
	if !slices.Equal(nearEvicted, []int{3}) {
		t.Fatalf("near evictions = %v", nearEvicted)
	}
	if !s.RemoveNear(4) || s.RemoveNear(4) {
		t.Fatal("RemoveNear must remove once")
	}
	if st := s.Stats(); st.Near != 1 || st.Heap != 2 {
		t.Fatalf("stats = %+v", st)
	}
	checkInvariants(t, s)

	disabled := newStore(t, Options[int, string]{HeapCapacity: 8})
	if disabled.PutNear(1, "x") {
		t.Fatal("near overlay is disabled by default")
	}
}

func TestStore_CountMatching(t *testing.T) {
	t.Parallel()

	s := newStore(t, Options[int, string]{
		Partitions:      2,
		HeapCapacity:    4, // 2 per partition
		OffHeapCapacity: 2, // 1 per partition
		NearCapacity:    8,
		Swap:            NewMemorySwap[int, string](),
	})
	// Partition 0: 0,2,4,6 -> heap 2, offheap 1, swap 1.
	// Partition 1: 1,3     -> heap 2.
	for _, k := range []int{0, 2, 4, 6, 1, 3} {
		mustPut(t, s, k, "v")
	}
	s.PutNear(5, "n")
	s.PutNear(7, "n")

	roles := func(p int) peek.Role {
		if p == 0 {
			return peek.RolePrimary
		}
		return peek.RoleBackup
	}
	count := func(part int, modes ...peek.Mode) int64 {
		return s.CountMatching(peek.MustResolve(modes...), roles, part)
	}

	tests := []struct {
		name  string
		part  int
		modes []peek.Mode
		want  int64
	}{
		{"default", AllPartitions, nil, 7},
		{"all", AllPartitions, []peek.Mode{peek.All}, 7},
		{"all+swap", AllPartitions, []peek.Mode{peek.All, peek.Swap}, 8},
		{"primary", AllPartitions, []peek.Mode{peek.Primary}, 3},
		{"primary+swap", AllPartitions, []peek.Mode{peek.Primary, peek.Swap}, 1},
		{"backup", AllPartitions, []peek.Mode{peek.Backup}, 2},
		{"near", AllPartitions, []peek.Mode{peek.Near}, 2},
		{"onheap", AllPartitions, []peek.Mode{peek.OnHeap}, 6},
		{"offheap", AllPartitions, []peek.Mode{peek.OffHeap}, 1},
		{"swap", AllPartitions, []peek.Mode{peek.Swap}, 1},
		{"partition 0", 0, []peek.Mode{peek.All}, 3},
		{"partition 1", 1, []peek.Mode{peek.All}, 4},
		{"out of range", 7, []peek.Mode{peek.All}, 0},
	}
	for _, tt := range tests {
		if got := count(tt.part, tt.modes...); got != tt.want {
			t.Errorf("%s: count = %d, want %d", tt.name, got, tt.want)
		}
	}

	// A node that lost ownership counts no main copies.
	stale := func(int) peek.Role { return peek.RoleNone }
	if got := s.CountMatching(peek.MustResolve(peek.Primary, peek.Backup), stale, AllPartitions); got != 0 {
		t.Fatalf("stale copies counted: %d", got)
	}
}

func TestStore_Entries(t *testing.T) {
	t.Parallel()

	s := newStore(t, Options[int, string]{
		Partitions:   4,
		HeapCapacity: 4,
		NearCapacity: 4,
		Swap:         NewMemorySwap[int, string](),
	})
	for k := 0; k < 8; k++ {
		mustPut(t, s, k, "v")
	}
	s.PutNear(100, "n")

	var keys []int
	err := s.Entries(peek.MustResolve(peek.All, peek.Swap), nil, AllPartitions, func(e Entry[int, string]) bool {
		keys = append(keys, e.Key)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	slices.Sort(keys)
	if !slices.Equal(keys, []int{0, 1, 2, 3, 4, 5, 6, 7, 100}) {
		t.Fatalf("keys = %v", keys)
	}

	seen := 0
	_ = s.Entries(peek.MustResolve(), nil, AllPartitions, func(Entry[int, string]) bool {
		seen++
		return seen < 2
	})
	if seen != 2 {
		t.Fatalf("Entries must stop when fn returns false, saw %d", seen)
	}
}

func TestStore_TwoQKeepsBookkeeping(t *testing.T) {
	t.Parallel()

	s := newStore(t, Options[int, string]{
		Partitions:      2,
		HeapCapacity:    16,
		OffHeapCapacity: 16,
		Swap:            NewMemorySwap[int, string](),
		Policy:          twoq.New[int, string](2, 8),
	})
	for i := 0; i < 500; i++ {
		k := (i * 7) % 64
		mustPut(t, s, k, "v")
		if i%3 == 0 {
			_, _, _ = s.Get((i * 5) % 64)
		}
		if i%11 == 0 {
			s.Remove((i * 3) % 64)
		}
	}
	checkInvariants(t, s)
	st := s.Stats()
	total := s.CountMatching(peek.MustResolve(peek.All, peek.Swap), nil, AllPartitions)
	if total != st.Heap+st.OffHeap+st.Swap {
		t.Fatalf("count %d disagrees with stats %+v", total, st)
	}
}

type failingSwap struct{ MemorySwap[int, string] }

func (*failingSwap) Put(int, int, string) error { return errors.New("disk full") }

func TestStore_SwapFailureDrops(t *testing.T) {
	t.Parallel()

	var reasons []EvictReason
	s := newStore(t, Options[int, string]{
		HeapCapacity:    1,
		OffHeapCapacity: -1,
		Swap:            &failingSwap{},
		OnEvict:         func(_ int, r EvictReason) { reasons = append(reasons, r) },
	})
	mustPut(t, s, 1, "a")
	mustPut(t, s, 2, "b")
	if len(reasons) != 1 || reasons[0] != EvictSwapFailure {
		t.Fatalf("reasons = %v", reasons)
	}
	checkInvariants(t, s)
}

func TestStore_LostSwapValuePanics(t *testing.T) {
	t.Parallel()

	sw := NewMemorySwap[int, string]()
	s := newStore(t, Options[int, string]{HeapCapacity: 1, Swap: sw})
	if _, err := s.Put(1, "a", peek.TierSwap); err != nil {
		t.Fatal(err)
	}
	_ = sw.Delete(0, 1)

	defer func() {
		r := recover()
		err, ok := r.(error)
		if !ok || !errors.Is(err, ErrInvariantViolation) {
			t.Fatalf("recovered %v, want invariant violation", r)
		}
	}()
	_, _, _ = s.Peek(1)
}

func TestStore_Closed(t *testing.T) {
	t.Parallel()

	s := newStore(t, Options[int, string]{HeapCapacity: 1})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Put(1, "a", peek.TierNone); !errors.Is(err, ErrClosed) {
		t.Fatalf("Put after Close: %v", err)
	}
	if err := s.Entries(peek.MustResolve(), nil, AllPartitions, func(Entry[int, string]) bool { return true }); !errors.Is(err, ErrClosed) {
		t.Fatalf("Entries after Close: %v", err)
	}
	if s.CountMatching(peek.MustResolve(), nil, AllPartitions) != 0 {
		t.Fatal("closed store must count nothing")
	}
}

func TestNew_BadOptions(t *testing.T) {
	t.Parallel()

	pf := modInt(1)
	for _, opt := range []Options[int, string]{
		{Partitions: 0, HeapCapacity: 1, PartitionOf: pf},
		{Partitions: 1, HeapCapacity: 0, PartitionOf: pf},
		{Partitions: 1, HeapCapacity: 1},
		{Partitions: 1, HeapCapacity: 1, PartitionOf: pf, NearCapacity: -1},
	} {
		if _, err := New(opt); !errors.Is(err, ErrBadOptions) {
			t.Errorf("New(%+v) err = %v", opt, err)
		}
	}
}
