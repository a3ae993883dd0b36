package tier

import "sync"

// SwapStore is the disk-backed overflow collaborator. Values are grouped
// by partition so a partition can be dropped as a unit.
// Implementations must be safe for concurrent use; the index serializes
// writes per partition but reads from different partitions run in parallel.
type SwapStore[K comparable, V any] interface {
	Put(partition int, k K, v V) error
	Get(partition int, k K) (V, bool, error)
	Delete(partition int, k K) error
	Close() error
}

// MemorySwap keeps swapped values in process memory. It stands in for a disk
// store in tests and on nodes configured without a swap path.
type MemorySwap[K comparable, V any] struct {
	mu sync.RWMutex
	m  map[int]map[K]V
}

// NewMemorySwap returns an empty in-memory swap store.
func NewMemorySwap[K comparable, V any]() *MemorySwap[K, V] {
	return &MemorySwap[K, V]{m: make(map[int]map[K]V)}
}

var _ SwapStore[string, []byte] = (*MemorySwap[string, []byte])(nil)

func (s *MemorySwap[K, V]) Put(partition int, k K, v V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	pm := s.m[partition]
	if pm == nil {
		pm = make(map[K]V)
		s.m[partition] = pm
	}
	pm[k] = v
	return nil
}

func (s *MemorySwap[K, V]) Get(partition int, k K) (V, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[partition][k]
	return v, ok, nil
}

func (s *MemorySwap[K, V]) Delete(partition int, k K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m[partition], k)
	return nil
}

// Len returns the number of swapped values across partitions.
func (s *MemorySwap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, pm := range s.m {
		n += len(pm)
	}
	return n
}

func (s *MemorySwap[K, V]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m = make(map[int]map[K]V)
	return nil
}
