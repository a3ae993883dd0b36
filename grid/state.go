package grid

import (
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/cluster"
	"github.com/IvanBrykalov/shardgrid/lifecycle"
	"github.com/IvanBrykalov/shardgrid/peek"
	"github.com/IvanBrykalov/shardgrid/policy"
	"github.com/IvanBrykalov/shardgrid/policy/fifo"
	"github.com/IvanBrykalov/shardgrid/policy/lru"
	"github.com/IvanBrykalov/shardgrid/policy/twoq"
	"github.com/IvanBrykalov/shardgrid/tier"
	"github.com/IvanBrykalov/shardgrid/tier/boltswap"
)

// cacheState is the per-cache context held in the node registry. It is
// created by a start request and torn down by a stop request; handles keep
// pointing at it after the stop and observe stopped.
type cacheState struct {
	name       string
	deployment string
	cfg        lifecycle.StartConfig
	self       affinity.NodeID
	log        *zap.Logger

	topo  *affinity.Topology
	store tier.Store[string, []byte]

	// mu serializes topology recomputes and guards the fields below.
	mu      sync.Mutex
	clients mapset.Set[affinity.NodeID] // excluded from affinity
	major   uint64
	minor   uint32
	view    cluster.View

	nearOn  atomic.Bool
	stopped atomic.Bool
}

func newCacheState(self affinity.NodeID, deployment string, cfg lifecycle.StartConfig, opt *Options) (*cacheState, error) {
	var fn affinity.Function = affinity.Rendezvous{}
	if strings.EqualFold(cfg.Affinity, "ring") {
		fn = affinity.NewRing(0, nil)
	}
	topo, err := affinity.New(affinity.Options{
		Partitions: cfg.Partitions,
		Backups:    cfg.Backups,
		Replicated: cfg.Mode == lifecycle.Replicated,
		Function:   fn,
		Retain:     opt.Retain,
	})
	if err != nil {
		return nil, err
	}

	log := opt.Logger.With(zap.String("cache", cfg.Name), zap.String("deployment", deployment))
	swap, err := openSwap(self, deployment, cfg, opt.SwapDir)
	if err != nil {
		return nil, err
	}
	store, err := tier.New(tier.Options[string, []byte]{
		Partitions:      cfg.Partitions,
		PartitionOf:     topo.PartitionOf,
		HeapCapacity:    cfg.HeapCapacity,
		OffHeapCapacity: cfg.OffHeapCapacity,
		Swap:            swap,
		NearCapacity:    cfg.NearCapacity,
		Policy:          policyFor(cfg),
		Metrics:         opt.Metrics.Tier(cfg.Name),
		Logger:          log,
	})
	if err != nil {
		if swap != nil {
			_ = swap.Close()
		}
		return nil, err
	}
	return &cacheState{
		name:       cfg.Name,
		deployment: deployment,
		cfg:        cfg,
		self:       self,
		log:        log,
		topo:       topo,
		store:      store,
		clients:    mapset.NewThreadUnsafeSet[affinity.NodeID](),
	}, nil
}

func policyFor(cfg lifecycle.StartConfig) policy.Policy[string, []byte] {
	switch strings.ToLower(cfg.Policy) {
	case "fifo":
		return fifo.New[string, []byte]()
	case "2q":
		perPart := max(cfg.HeapCapacity/cfg.Partitions, 1)
		return twoq.New[string, []byte](max(perPart/4, 1), max(perPart/2, 1))
	default:
		return lru.New[string, []byte]()
	}
}

func openSwap(self affinity.NodeID, deployment string, cfg lifecycle.StartConfig, nodeDir string) (tier.SwapStore[string, []byte], error) {
	switch cfg.Swap {
	case lifecycle.SwapMemory:
		return tier.NewMemorySwap[string, []byte](), nil
	case lifecycle.SwapBolt:
		dir := cfg.SwapDir
		if dir == "" {
			dir = nodeDir
		}
		if dir == "" {
			return nil, errors.Wrapf(lifecycle.ErrInvalidRequest, "cache %s: bolt swap without a swap dir", cfg.Name)
		}
		path := filepath.Join(dir, string(self), cfg.Name+"-"+deployment+".swap")
		s, err := boltswap.Open(path, boltswap.String{}, boltswap.Bytes{}, boltswap.Options{NoSync: true})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, nil
	}
}

// nearOnFor reports whether a request turns the near overlay on for self.
func nearOnFor(self affinity.NodeID, req lifecycle.Request) bool {
	if req.NearConfig == nil {
		return false
	}
	return req.InitiatingNode == "" || req.InitiatingNode == self
}

// init installs the first assignment. A start counts as a minor change so
// the first version is never affinity.Latest.
func (c *cacheState) init(v cluster.View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.view = v
	c.major = uint64(v.Version)
	c.minor = 1
	c.recomputeLocked()
}

// onView recomputes ownership for a membership change. Views not newer than
// the last applied one are ignored.
func (c *cacheState) onView(v cluster.View) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v.Version <= c.view.Version {
		return
	}
	c.view = v
	c.major = uint64(v.Version)
	c.minor = 0
	c.recomputeLocked()
}

// exclude marks nodes as client-only and bumps the minor version.
func (c *cacheState) exclude(ids ...affinity.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	changed := false
	for _, id := range ids {
		changed = c.clients.Add(id) || changed
	}
	if !changed {
		return
	}
	c.minor++
	c.recomputeLocked()
}

func (c *cacheState) recomputeLocked() {
	nodes := make([]affinity.NodeID, 0, len(c.view.Members))
	for _, id := range c.view.IDs() {
		if !c.clients.Contains(id) {
			nodes = append(nodes, id)
		}
	}
	v := affinity.MakeVersion(c.major, c.minor)
	if c.topo.Recompute(v, nodes) {
		c.log.Debug("topology recomputed",
			zap.Stringer("version", v),
			zap.Int("dataNodes", len(nodes)),
			zap.Int("clients", c.clients.Cardinality()))
	}
}

// members returns the membership view the current assignment was built from.
func (c *cacheState) members() cluster.View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view
}

func (c *cacheState) isClient(id affinity.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clients.Contains(id)
}

// assignment resolves a pinned version, or the latest for affinity.Latest.
func (c *cacheState) assignment(v affinity.Version) (*affinity.Assignment, error) {
	if c.stopped.Load() {
		return nil, ErrCacheStopped
	}
	return c.topo.At(v)
}

// roleFunc classifies this node's main copies against a.
func (c *cacheState) roleFunc(a *affinity.Assignment) tier.RoleFunc {
	return func(p int) peek.Role { return a.RoleOf(c.self, p) }
}

// predicate drops NEAR when this node keeps no near copies.
func (c *cacheState) predicate(modes []peek.Mode) (peek.Predicate, error) {
	pred, err := peek.Resolve(modes...)
	if err != nil {
		return peek.Predicate{}, err
	}
	if !c.nearOn.Load() {
		pred = pred.WithoutNear()
	}
	return pred, nil
}

func (c *cacheState) checkPartition(p int) error {
	if p == tier.AllPartitions || (p >= 0 && p < c.cfg.Partitions) {
		return nil
	}
	return errors.Wrapf(ErrInvalidPartition, "cache %s: partition %d of %d", c.name, p, c.cfg.Partitions)
}

// count evaluates pred over the local store at a.
func (c *cacheState) count(a *affinity.Assignment, pred peek.Predicate, partition int) (int64, error) {
	if err := c.checkPartition(partition); err != nil {
		return 0, err
	}
	n := c.store.CountMatching(pred, c.roleFunc(a), partition)
	if c.stopped.Load() {
		return 0, ErrCacheStopped
	}
	return n, nil
}

// stop tears the cache down. Safe to call more than once.
func (c *cacheState) stop() error {
	if c.stopped.Swap(true) {
		return nil
	}
	c.log.Info("cache stopped")
	return c.store.Close()
}

// storeErr maps a closed store to ErrCacheStopped.
func (c *cacheState) storeErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, tier.ErrClosed) || c.stopped.Load() {
		return ErrCacheStopped
	}
	return err
}
