package affinity

import (
	"hash/crc32"
	"sort"
	"strconv"

	"github.com/IvanBrykalov/shardgrid/internal/util"
)

// Hash maps bytes to uint32 for ring placement.
type Hash func(data []byte) uint32

// Ring is a consistent-hash ring with virtual nodes. A partition is placed
// on the ring by hashing its id and owners are the first distinct nodes
// found walking clockwise.
type Ring struct {
	replicas int
	hash     Hash
}

var _ Function = (*Ring)(nil)

// NewRing creates a ring function with the given virtual node count per
// member. A nil hash defaults to crc32 (IEEE).
func NewRing(replicas int, fn Hash) *Ring {
	if replicas <= 0 {
		replicas = 50
	}
	if fn == nil {
		fn = crc32.ChecksumIEEE
	}
	return &Ring{replicas: replicas, hash: fn}
}

// Partition implements Function.
func (r *Ring) Partition(hash uint64, partitions int) int {
	return util.PartitionIndex(hash, partitions)
}

// Assign implements Function.
func (r *Ring) Assign(partitions int, nodes []NodeID, backups int) [][]NodeID {
	copies := ownerCount(len(nodes), backups)
	out := make([][]NodeID, partitions)
	if copies == 0 {
		return out
	}

	ring := make([]int, 0, len(nodes)*r.replicas)
	owner := make(map[int]NodeID, len(nodes)*r.replicas)
	for _, n := range nodes {
		for i := 0; i < r.replicas; i++ {
			h := int(r.hash([]byte(strconv.Itoa(i) + string(n))))
			// On a virtual-node collision the smaller id wins, independent of order.
			if prev, ok := owner[h]; ok {
				if n < prev {
					owner[h] = n
				}
				continue
			}
			ring = append(ring, h)
			owner[h] = n
		}
	}
	sort.Ints(ring)

	for p := 0; p < partitions; p++ {
		h := int(r.hash([]byte("p" + strconv.Itoa(p))))
		idx := sort.Search(len(ring), func(i int) bool { return ring[i] >= h })
		owners := make([]NodeID, 0, copies)
		for step := 0; step < len(ring) && len(owners) < copies; step++ {
			n := owner[ring[(idx+step)%len(ring)]]
			if !containsNode(owners, n) {
				owners = append(owners, n)
			}
		}
		out[p] = owners
	}
	return out
}

func containsNode(list []NodeID, n NodeID) bool {
	for _, x := range list {
		if x == n {
			return true
		}
	}
	return false
}
