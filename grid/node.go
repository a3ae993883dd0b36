// Package grid hosts caches on one node of the data grid: it applies cache
// lifecycle requests, keeps per-cache topology and tiered storage, answers
// local accounting queries and aggregates cluster-wide sizes.
package grid

import (
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/cluster"
	"github.com/IvanBrykalov/shardgrid/internal/singleflight"
	"github.com/IvanBrykalov/shardgrid/lifecycle"
	"github.com/IvanBrykalov/shardgrid/transport"
)

// Node is one grid member. It implements transport.Handler so other nodes
// can reach its caches. All methods are safe for concurrent use.
type Node struct {
	opt Options
	log *zap.Logger

	mu      sync.RWMutex
	caches  map[string]*cacheState
	applied map[string]struct{} // lifecycle.Request.Key of applied requests
	closed  bool

	unsubscribe func()
	counts      singleflight.Group[countKey, *transport.CountResponse]
}

var _ transport.Handler = (*Node)(nil)

// NewNode validates opt and subscribes to membership changes.
func NewNode(opt Options) (*Node, error) {
	switch {
	case opt.ID == "":
		return nil, errors.New("grid: node ID is required")
	case opt.Membership == nil:
		return nil, errors.New("grid: membership is required")
	case opt.Transport == nil:
		return nil, errors.New("grid: transport is required")
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Metrics == nil {
		opt.Metrics = NoopMetrics{}
	}
	if opt.FanOut <= 0 {
		opt.FanOut = 16
	}
	if opt.RequestTimeout <= 0 {
		opt.RequestTimeout = 5 * time.Second
	}
	opt.Logger = opt.Logger.With(zap.String("node", string(opt.ID)))

	n := &Node{
		opt:     opt,
		log:     opt.Logger,
		caches:  make(map[string]*cacheState),
		applied: make(map[string]struct{}),
	}
	n.unsubscribe = opt.Membership.Subscribe(n.onView)
	return n, nil
}

// ID returns the node identity.
func (n *Node) ID() string { return string(n.opt.ID) }

func (n *Node) onView(v cluster.View) {
	n.mu.RLock()
	caches := make([]*cacheState, 0, len(n.caches))
	for _, c := range n.caches {
		caches = append(caches, c)
	}
	n.mu.RUnlock()

	for _, c := range caches {
		c.onView(v)
	}
}

// Apply applies a lifecycle request. Re-applying a request already applied
// on this node is a no-op.
func (n *Node) Apply(req lifecycle.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	name := req.CacheName()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	if _, done := n.applied[req.Key()]; done {
		return nil
	}

	var err error
	switch req.Kind() {
	case lifecycle.KindStart:
		err = n.startLocked(name, req)
	case lifecycle.KindClientStart:
		err = n.clientStartLocked(name, req)
	case lifecycle.KindStop:
		err = n.stopLocked(name, req.DeploymentID)
	}
	if err != nil {
		return err
	}
	n.applied[req.Key()] = struct{}{}
	n.log.Info("lifecycle request applied",
		zap.String("cache", name),
		zap.Stringer("kind", req.Kind()),
		zap.String("deployment", req.DeploymentID))
	return nil
}

func (n *Node) startLocked(name string, req lifecycle.Request) error {
	if c, ok := n.caches[name]; ok {
		if c.deployment != req.DeploymentID {
			return errors.Wrapf(ErrCacheExists, "cache %s (deployment %s)", name, c.deployment)
		}
		return nil
	}
	cfg := req.StartConfig.WithDefaults()
	cfg.Name = name
	if nearOnFor(n.opt.ID, req) && req.NearConfig.Capacity > 0 {
		cfg.NearCapacity = req.NearConfig.Capacity
	}
	c, err := newCacheState(n.opt.ID, req.DeploymentID, cfg, &n.opt)
	if err != nil {
		return errors.Wrapf(err, "start cache %s", name)
	}
	if req.ClientStartOnly {
		c.clients.Add(req.InitiatingNode)
	}
	c.nearOn.Store(cfg.NearEnabled || nearOnFor(n.opt.ID, req))
	c.init(n.opt.Membership.View())
	n.caches[name] = c
	return nil
}

func (n *Node) clientStartLocked(name string, req lifecycle.Request) error {
	c, ok := n.caches[name]
	if !ok {
		return errors.Wrapf(ErrCacheNotFound, "client start of %s", name)
	}
	if nearOnFor(n.opt.ID, req) {
		c.nearOn.Store(true)
	}
	if req.ClientStartOnly {
		c.exclude(req.InitiatingNode)
	}
	return nil
}

func (n *Node) stopLocked(name, deployment string) error {
	c, ok := n.caches[name]
	if !ok {
		return errors.Wrapf(ErrCacheNotFound, "stop %s", name)
	}
	if c.deployment != deployment {
		return errors.Wrapf(ErrCacheNotFound, "stop %s: deployment %s is not live (live %s)", name, deployment, c.deployment)
	}
	delete(n.caches, name)
	if err := c.stop(); err != nil {
		n.log.Warn("close cache store", zap.String("cache", name), zap.Error(err))
	}
	return nil
}

// Cache returns a handle to a live cache.
func (n *Node) Cache(name string) (*Cache, error) {
	c, err := n.lookup(name)
	if err != nil {
		return nil, err
	}
	return &Cache{node: n, st: c}, nil
}

// Caches returns the names of live caches, sorted.
func (n *Node) Caches() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	names := make([]string, 0, len(n.caches))
	for name := range n.caches {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (n *Node) lookup(name string) (*cacheState, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return nil, ErrNodeClosed
	}
	c, ok := n.caches[name]
	if !ok {
		return nil, errors.Wrapf(ErrCacheNotFound, "cache %s", name)
	}
	return c, nil
}

// Close stops every cache and detaches from membership. The transport is
// owned by the caller.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	caches := n.caches
	n.caches = make(map[string]*cacheState)
	n.mu.Unlock()

	n.unsubscribe()
	var err error
	for _, c := range caches {
		err = multierr.Append(err, c.stop())
	}
	return err
}
