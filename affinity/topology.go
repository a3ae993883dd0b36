package affinity

import (
	"slices"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/IvanBrykalov/shardgrid/internal/util"
	"github.com/IvanBrykalov/shardgrid/peek"
)

// Version identifies a topology snapshot. The high bits carry the cluster
// membership version, the low minorBits a per-cache minor counter bumped by
// lifecycle changes that alter ownership without a membership change.
// Real versions are never 0.
type Version uint64

const minorBits = 20

// MakeVersion composes a version from a membership version and a minor counter.
func MakeVersion(major uint64, minor uint32) Version {
	return Version(major<<minorBits | uint64(minor)&(1<<minorBits-1))
}

// Major returns the membership part of v.
func (v Version) Major() uint64 { return uint64(v) >> minorBits }

// Minor returns the per-cache part of v.
func (v Version) Minor() uint32 { return uint32(uint64(v) & (1<<minorBits - 1)) }

func (v Version) String() string {
	return strconv.FormatUint(v.Major(), 10) + "." + strconv.FormatUint(uint64(v.Minor()), 10)
}

// Latest asks for the most recent assignment. Answers computed against it may
// shift under a concurrent topology change; pin a version to avoid that.
const Latest Version = 0

var (
	// ErrStaleTopologyVersion is returned for a pinned version that is no
	// longer retained. Re-fetch the current version and retry.
	ErrStaleTopologyVersion = errors.New("affinity: stale topology version")
	// ErrUnknownTopologyVersion is returned for a version newer than the
	// latest one this topology has computed.
	ErrUnknownTopologyVersion = errors.New("affinity: unknown topology version")
	// ErrNoTopology is returned before the first Recompute.
	ErrNoTopology = errors.New("affinity: no topology computed yet")
)

// RoleView classifies resident copies at one fixed version.
type RoleView interface {
	Version() Version
	RoleOf(node NodeID, partition int) peek.Role
}

// RoleClassifier derives roles from topology instead of storing them on
// entries, so role and residency evolve independently.
type RoleClassifier interface {
	Snapshot(v Version) (RoleView, error)
}

// Options configures a Topology.
type Options struct {
	// Partitions is the fixed partition count (> 0).
	Partitions int
	// Backups is the number of backup owners per partition (ignored when Replicated).
	Backups int
	// Replicated makes every data node an owner of every partition.
	Replicated bool
	// Function is the affinity function; nil => Rendezvous.
	Function Function
	// Retain is how many past assignments stay resolvable; <= 0 => 8.
	Retain int
}

// Topology holds the versioned ownership table of one cache.
// Recompute is the only writer; readers never block on it and observe
// either the old or the new assignment.
type Topology struct {
	fn         Function
	partitions int
	backups    int
	replicated bool
	retain     int

	mu   sync.Mutex // serializes Recompute and guards hist
	hist []*Assignment
	cur  atomic.Pointer[Assignment]
}

var _ RoleClassifier = (*Topology)(nil)

// New validates opt and returns an empty topology.
func New(opt Options) (*Topology, error) {
	if opt.Partitions <= 0 {
		return nil, errors.Errorf("affinity: partitions must be > 0, got %d", opt.Partitions)
	}
	if opt.Backups < 0 {
		return nil, errors.Errorf("affinity: backups must be >= 0, got %d", opt.Backups)
	}
	if opt.Function == nil {
		opt.Function = Rendezvous{}
	}
	if opt.Retain <= 0 {
		opt.Retain = 8
	}
	return &Topology{
		fn:         opt.Function,
		partitions: opt.Partitions,
		backups:    opt.Backups,
		replicated: opt.Replicated,
		retain:     opt.Retain,
	}, nil
}

// Partitions returns the fixed partition count.
func (t *Topology) Partitions() int { return t.partitions }

// PartitionOf maps a key to its partition. Independent of topology.
func (t *Topology) PartitionOf(key string) int {
	return t.fn.Partition(util.Hash64(key), t.partitions)
}

// PartitionOfHash maps a precomputed key hash to its partition.
func (t *Topology) PartitionOfHash(h uint64) int {
	return t.fn.Partition(h, t.partitions)
}

// Recompute assigns partitions over nodes for version v. It runs at most
// once per version: versions not newer than the latest are ignored and
// reported as false.
func (t *Topology) Recompute(v Version, nodes []NodeID) bool {
	if v == Latest {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if cur := t.cur.Load(); cur != nil && v <= cur.version {
		return false
	}

	sorted := slices.Clone(nodes)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	backups := t.backups
	if t.replicated {
		backups = len(sorted) - 1
	}
	a := &Assignment{
		version: v,
		nodes:   sorted,
		owners:  t.fn.Assign(t.partitions, sorted, backups),
	}

	t.hist = append(t.hist, a)
	if over := len(t.hist) - t.retain; over > 0 {
		clear(t.hist[:over])
		t.hist = t.hist[over:]
	}
	t.cur.Store(a)
	return true
}

// Current returns the latest assignment.
func (t *Topology) Current() (*Assignment, error) {
	a := t.cur.Load()
	if a == nil {
		return nil, ErrNoTopology
	}
	return a, nil
}

// At resolves the assignment in effect at version v (Latest => current).
func (t *Topology) At(v Version) (*Assignment, error) {
	cur, err := t.Current()
	if err != nil || v == Latest || v == cur.version {
		return cur, err
	}
	if v > cur.version {
		return nil, errors.Wrapf(ErrUnknownTopologyVersion, "version %v (latest %v)", v, cur.version)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.hist) == 0 || v < t.hist[0].version {
		return nil, errors.Wrapf(ErrStaleTopologyVersion, "version %v", v)
	}
	// Newest retained assignment computed at or before v.
	for i := len(t.hist) - 1; i >= 0; i-- {
		if t.hist[i].version <= v {
			return t.hist[i], nil
		}
	}
	return nil, errors.Wrapf(ErrStaleTopologyVersion, "version %v", v)
}

// Snapshot implements RoleClassifier.
func (t *Topology) Snapshot(v Version) (RoleView, error) {
	a, err := t.At(v)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// OwnersOf returns the ordered owners of partition p at version v.
func (t *Topology) OwnersOf(p int, v Version) ([]NodeID, error) {
	if p < 0 || p >= t.partitions {
		return nil, errors.Errorf("affinity: partition %d out of range [0,%d)", p, t.partitions)
	}
	a, err := t.At(v)
	if err != nil {
		return nil, err
	}
	return slices.Clone(a.owners[p]), nil
}

// IsPrimary reports whether node is the primary owner of key at version v.
func (t *Topology) IsPrimary(node NodeID, key string, v Version) (bool, error) {
	a, err := t.At(v)
	if err != nil {
		return false, err
	}
	return a.RoleOf(node, t.PartitionOf(key)) == peek.RolePrimary, nil
}

// IsBackup reports whether node is a backup owner of key at version v.
func (t *Topology) IsBackup(node NodeID, key string, v Version) (bool, error) {
	a, err := t.At(v)
	if err != nil {
		return false, err
	}
	return a.RoleOf(node, t.PartitionOf(key)) == peek.RoleBackup, nil
}

// Assignment is an immutable ownership table for one version.
type Assignment struct {
	version Version
	nodes   []NodeID
	owners  [][]NodeID
}

var _ RoleView = (*Assignment)(nil)

// Version returns the topology version this table was computed against.
func (a *Assignment) Version() Version { return a.version }

// Nodes returns the sorted data nodes the table was computed over.
func (a *Assignment) Nodes() []NodeID { return slices.Clone(a.nodes) }

// Partitions returns the number of partitions in the table.
func (a *Assignment) Partitions() int { return len(a.owners) }

// Owners returns the owners of partition p. The slice must not be modified.
func (a *Assignment) Owners(p int) []NodeID { return a.owners[p] }

// RoleOf implements RoleView.
func (a *Assignment) RoleOf(node NodeID, p int) peek.Role {
	if p < 0 || p >= len(a.owners) {
		return peek.RoleNone
	}
	for i, n := range a.owners[p] {
		if n == node {
			if i == 0 {
				return peek.RolePrimary
			}
			return peek.RoleBackup
		}
	}
	return peek.RoleNone
}

// Owned returns how many partitions node holds as primary and as backup.
func (a *Assignment) Owned(node NodeID) (primary, backup int) {
	for p := range a.owners {
		switch a.RoleOf(node, p) {
		case peek.RolePrimary:
			primary++
		case peek.RoleBackup:
			backup++
		}
	}
	return primary, backup
}
