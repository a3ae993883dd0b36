package grid

import (
	"time"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/tier"
)

// Metrics exposes node-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	// Tier returns the hooks handed to the local store of a cache.
	Tier(cache string) tier.Metrics
	// Aggregation records one cluster size query.
	Aggregation(cache string, d time.Duration, err error)
	// TargetFailed records a node that did not answer a count request.
	TargetFailed(cache string, node affinity.NodeID)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Tier(string) tier.Metrics                 { return tier.NoopMetrics{} }
func (NoopMetrics) Aggregation(string, time.Duration, error) {}
func (NoopMetrics) TargetFailed(string, affinity.NodeID)     {}

var _ Metrics = NoopMetrics{}
