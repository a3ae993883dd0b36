// Package affinity maps keys to partitions and partitions to ordered owner
// lists (primary first, then backups) over a versioned set of data nodes.
package affinity

import (
	"cmp"
	"slices"

	"github.com/IvanBrykalov/shardgrid/internal/util"
)

// NodeID identifies a cluster member.
type NodeID string

// Function is the pluggable affinity collaborator.
//
// Implementations must be pure: for the same (partitions, node set, backups)
// Assign returns the same table regardless of the order of nodes.
type Function interface {
	// Partition maps a key hash to a partition in [0, partitions).
	Partition(hash uint64, partitions int) int
	// Assign returns, per partition, the ordered owners: index 0 is the
	// primary, the following min(backups, len(nodes)-1) entries are backups.
	Assign(partitions int, nodes []NodeID, backups int) [][]NodeID
}

// Rendezvous is highest-random-weight hashing: each (node, partition) pair
// gets a score seeded by the node identity and owners are the top scores.
// Adding or removing one node only moves the partitions that node wins or
// loses.
type Rendezvous struct{}

var _ Function = Rendezvous{}

// Partition implements Function.
func (Rendezvous) Partition(hash uint64, partitions int) int {
	return util.PartitionIndex(hash, partitions)
}

type scored struct {
	id    NodeID
	score uint64
}

// Assign implements Function.
func (Rendezvous) Assign(partitions int, nodes []NodeID, backups int) [][]NodeID {
	copies := ownerCount(len(nodes), backups)
	out := make([][]NodeID, partitions)
	if copies == 0 {
		return out
	}
	buf := make([]scored, len(nodes))
	for p := 0; p < partitions; p++ {
		for i, n := range nodes {
			buf[i] = scored{id: n, score: util.HashPair(string(n), uint64(p))}
		}
		// Ties are broken by identity so the result never depends on input order.
		slices.SortFunc(buf, func(a, b scored) int {
			if c := cmp.Compare(b.score, a.score); c != 0 {
				return c
			}
			return cmp.Compare(a.id, b.id)
		})
		owners := make([]NodeID, copies)
		for i := range owners {
			owners[i] = buf[i].id
		}
		out[p] = owners
	}
	return out
}

// ownerCount clamps 1+backups to the number of available nodes.
func ownerCount(nodes, backups int) int {
	if nodes == 0 {
		return 0
	}
	if backups < 0 {
		backups = 0
	}
	if backups+1 > nodes {
		return nodes
	}
	return backups + 1
}
