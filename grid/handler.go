package grid

import (
	"context"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/peek"
	"github.com/IvanBrykalov/shardgrid/transport"
)

// countKey identifies equal count requests. The cache pointer keeps
// requests against a restarted deployment apart.
type countKey struct {
	cache     *cacheState
	version   affinity.Version
	partition int
	pred      peek.Predicate
}

// Count answers a remote count request with the local count. Roles are
// evaluated at the requested version when it is still retained here and at
// the latest version otherwise; the response names the version used.
func (n *Node) Count(ctx context.Context, req *transport.CountRequest) (*transport.CountResponse, error) {
	c, err := n.lookup(req.Cache)
	if err != nil {
		return nil, err
	}
	modes, err := peek.ParseModes(req.Modes...)
	if err != nil {
		return nil, err
	}
	pred, err := c.predicate(modes)
	if err != nil {
		return nil, err
	}
	key := countKey{cache: c, version: req.Version, partition: req.Partition, pred: pred}
	resp, _, err := n.counts.Do(ctx, key, func(context.Context) (*transport.CountResponse, error) {
		return n.countLocal(c, req.Version, req.Partition, pred)
	})
	return resp, err
}

func (n *Node) countLocal(c *cacheState, v affinity.Version, partition int, pred peek.Predicate) (*transport.CountResponse, error) {
	a, err := c.assignment(v)
	if err != nil {
		if a, err = c.assignment(affinity.Latest); err != nil {
			return nil, err
		}
	}
	cnt, err := c.count(a, pred, partition)
	if err != nil {
		return nil, err
	}
	return &transport.CountResponse{Count: cnt, Version: a.Version()}, nil
}

// Put stores a copy sent by another node. The sender chose this node as an
// owner; ownership is not rechecked here.
func (n *Node) Put(_ context.Context, req *transport.PutRequest) (*transport.PutResponse, error) {
	c, err := n.lookup(req.Cache)
	if err != nil {
		return nil, err
	}
	t, err := c.store.Put(req.Key, req.Value, peek.TierNone)
	if err != nil {
		return nil, c.storeErr(err)
	}
	return &transport.PutResponse{Tier: t.String()}, nil
}

// Get serves a read of the main copy without touching near copies.
func (n *Node) Get(_ context.Context, req *transport.GetRequest) (*transport.GetResponse, error) {
	c, err := n.lookup(req.Cache)
	if err != nil {
		return nil, err
	}
	e, ok, err := c.store.Get(req.Key)
	if err != nil {
		return nil, c.storeErr(err)
	}
	if !ok || e.Near {
		return &transport.GetResponse{}, nil
	}
	return &transport.GetResponse{Value: e.Value, Found: true}, nil
}

func (n *Node) Remove(_ context.Context, req *transport.RemoveRequest) (*transport.RemoveResponse, error) {
	c, err := n.lookup(req.Cache)
	if err != nil {
		return nil, err
	}
	return &transport.RemoveResponse{Removed: c.store.Remove(req.Key)}, nil
}
