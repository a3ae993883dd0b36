// Package prom exports grid and tier metrics to Prometheus.
package prom

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/grid"
	"github.com/IvanBrykalov/shardgrid/peek"
	"github.com/IvanBrykalov/shardgrid/tier"
)

// Adapter implements grid.Metrics; Tier hands out per-cache tier.Metrics
// views over the same vectors. Safe for concurrent use; all Prometheus
// metric types are goroutine-safe.
type Adapter struct {
	hits      *prometheus.CounterVec
	misses    *prometheus.CounterVec
	demotions *prometheus.CounterVec
	evicts    *prometheus.CounterVec
	resident  *prometheus.GaugeVec

	aggLatency *prometheus.HistogramVec
	aggFailed  *prometheus.CounterVec
	targetFail *prometheus.CounterVec
}

// New constructs a Prometheus metrics adapter.
//   - reg:          registry to register metrics with (nil => prometheus.DefaultRegisterer)
//   - ns, sub:      Prometheus namespace and subsystem
//   - constLabels:  static labels applied to all metrics (may be nil)
func New(reg prometheus.Registerer, ns, sub string, constLabels prometheus.Labels) *Adapter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}
	a := &Adapter{
		hits:      counter("hits_total", "Local reads that found a copy", "cache"),
		misses:    counter("misses_total", "Local reads that found nothing", "cache"),
		demotions: counter("demotions_total", "Copies moved to a lower tier", "cache", "from", "to"),
		evicts:    counter("evictions_total", "Copies dropped by reason", "cache", "reason"),
		resident: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "resident_copies",
			Help:        "Local copies per tier; near copies are labelled near=\"true\"",
			ConstLabels: constLabels,
		}, []string{"cache", "tier", "near"}),
		aggLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "size_aggregation_seconds",
			Help:        "Latency of cluster size queries",
			Buckets:     prometheus.ExponentialBuckets(0.0005, 2, 14),
			ConstLabels: constLabels,
		}, []string{"cache"}),
		aggFailed:  counter("size_aggregation_failures_total", "Cluster size queries that failed", "cache"),
		targetFail: counter("size_target_failures_total", "Count requests a node did not answer", "cache", "node"),
	}
	reg.MustRegister(a.hits, a.misses, a.demotions, a.evicts, a.resident,
		a.aggLatency, a.aggFailed, a.targetFail)
	return a
}

// Tier returns the tier hooks for one cache.
func (a *Adapter) Tier(cache string) tier.Metrics {
	return &tierMetrics{a: a, cache: cache}
}

// Aggregation observes the latency of a size query and counts failures.
func (a *Adapter) Aggregation(cache string, d time.Duration, err error) {
	a.aggLatency.WithLabelValues(cache).Observe(d.Seconds())
	if err != nil {
		a.aggFailed.WithLabelValues(cache).Inc()
	}
}

// TargetFailed counts a node that did not answer a count request.
func (a *Adapter) TargetFailed(cache string, node affinity.NodeID) {
	a.targetFail.WithLabelValues(cache, string(node)).Inc()
}

// tierMetrics binds the cache label once so the hot path only resolves the
// remaining labels.
type tierMetrics struct {
	a     *Adapter
	cache string
}

func (m *tierMetrics) Hit()  { m.a.hits.WithLabelValues(m.cache).Inc() }
func (m *tierMetrics) Miss() { m.a.misses.WithLabelValues(m.cache).Inc() }

func (m *tierMetrics) Demote(from, to peek.Tier) {
	m.a.demotions.WithLabelValues(m.cache, tierLabel(from), tierLabel(to)).Inc()
}

// Evict increments the eviction counter with a reason label.
func (m *tierMetrics) Evict(r tier.EvictReason) {
	m.a.evicts.WithLabelValues(m.cache, r.String()).Inc()
}

// Resident moves the per-tier gauge by delta.
func (m *tierMetrics) Resident(t peek.Tier, near bool, delta int) {
	m.a.resident.WithLabelValues(m.cache, tierLabel(t), strconv.FormatBool(near)).Add(float64(delta))
}

// tierLabel maps a tier to a stable label value.
func tierLabel(t peek.Tier) string {
	switch t {
	case peek.TierHeap:
		return "heap"
	case peek.TierOffHeap:
		return "offheap"
	case peek.TierSwap:
		return "swap"
	default:
		return "none"
	}
}

// Compile-time checks.
var (
	_ grid.Metrics = (*Adapter)(nil)
	_ tier.Metrics = (*tierMetrics)(nil)
)
