package tier

import "github.com/IvanBrykalov/shardgrid/peek"

// EvictReason explains why a copy left the index without an explicit Remove.
type EvictReason int

const (
	// EvictCapacity: every lower tier was full or disabled.
	EvictCapacity EvictReason = iota
	// EvictSwapFailure: the swap store rejected the demoted value.
	EvictSwapFailure
	// EvictNear: dropped from the bounded near overlay.
	EvictNear
)

func (r EvictReason) String() string {
	switch r {
	case EvictSwapFailure:
		return "swap_failure"
	case EvictNear:
		return "near"
	default:
		return "capacity"
	}
}

// Metrics exposes index-level observability hooks.
// A NoopMetrics implementation is provided and used by default.
type Metrics interface {
	Hit()
	Miss()
	Demote(from, to peek.Tier)
	Evict(reason EvictReason)
	// Resident reports a change in the number of copies on a tier.
	// Near copies are reported with near == true.
	Resident(t peek.Tier, near bool, delta int)
}

// NoopMetrics is a drop-in Metrics implementation that does nothing.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                          {}
func (NoopMetrics) Miss()                         {}
func (NoopMetrics) Demote(peek.Tier, peek.Tier)   {}
func (NoopMetrics) Evict(EvictReason)             {}
func (NoopMetrics) Resident(peek.Tier, bool, int) {}

var _ Metrics = NoopMetrics{}
