package grid

import (
	"slices"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/IvanBrykalov/shardgrid/affinity"
)

var (
	// ErrCacheStopped is returned by calls against a cache whose stop request
	// has been applied. Terminal for that cache instance.
	ErrCacheStopped = errors.New("grid: cache stopped")
	// ErrCacheNotFound is returned for a cache name with no live deployment.
	ErrCacheNotFound = errors.New("grid: cache not found")
	// ErrCacheExists is returned when a start names a live cache deployed
	// under another deployment id.
	ErrCacheExists = errors.New("grid: cache already exists")
	// ErrNoOwners is returned by writes while no data node owns the partition.
	ErrNoOwners = errors.New("grid: partition has no owners")
	// ErrInvalidPartition is returned for a partition outside [0, partitions).
	ErrInvalidPartition = errors.New("grid: invalid partition")
	// ErrNodeClosed is returned after Node.Close.
	ErrNodeClosed = errors.New("grid: node closed")
)

// PartialAggregationFailure reports the nodes whose contribution to a size
// query is unknown. The total is withheld; retry against a fresh topology.
type PartialAggregationFailure struct {
	Cache   string
	Version affinity.Version
	// Nodes lists every failed target, sorted.
	Nodes []affinity.NodeID
	// Err combines the per-node causes.
	Err error
}

func (e *PartialAggregationFailure) Error() string {
	ids := make([]string, len(e.Nodes))
	for i, id := range e.Nodes {
		ids[i] = string(id)
	}
	return "grid: size of " + e.Cache + " at " + e.Version.String() +
		" missing nodes [" + strings.Join(ids, ",") + "]: " + e.Err.Error()
}

// Unwrap exposes the per-node causes to errors.Is and errors.As.
func (e *PartialAggregationFailure) Unwrap() []error { return multierr.Errors(e.Err) }

// Failed reports whether id is among the failed nodes.
func (e *PartialAggregationFailure) Failed(id affinity.NodeID) bool {
	return slices.Contains(e.Nodes, id)
}
