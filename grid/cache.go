package grid

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/lifecycle"
	"github.com/IvanBrykalov/shardgrid/peek"
	"github.com/IvanBrykalov/shardgrid/tier"
	"github.com/IvanBrykalov/shardgrid/transport"
)

// AllPartitions selects every partition in the size family of calls.
const AllPartitions = tier.AllPartitions

// Entry is a local copy together with its classification at query time.
type Entry struct {
	Key       string
	Value     []byte
	Partition int
	Tier      peek.Tier
	Role      peek.Role
}

// Cache is a handle to one cache deployment on a node. Once the cache is
// stopped every call returns ErrCacheStopped.
type Cache struct {
	node *Node
	st   *cacheState
}

func (c *Cache) Name() string { return c.st.name }

// Config returns the start configuration with defaults applied.
func (c *Cache) Config() lifecycle.StartConfig { return c.st.cfg }

// PartitionOf maps key to its partition.
func (c *Cache) PartitionOf(key string) int { return c.st.topo.PartitionOf(key) }

// Topology exposes the cache's versioned ownership table.
func (c *Cache) Topology() *affinity.Topology { return c.st.topo }

// Version returns the latest topology version of the cache.
func (c *Cache) Version() (affinity.Version, error) {
	a, err := c.st.assignment(affinity.Latest)
	if err != nil {
		return 0, err
	}
	return a.Version(), nil
}

// NearEnabled reports whether this node keeps near copies.
func (c *Cache) NearEnabled() bool { return c.st.nearOn.Load() }

// Stats returns the local store counters.
func (c *Cache) Stats() tier.Stats { return c.st.store.Stats() }

// CheckInvariants verifies the local store bookkeeping.
func (c *Cache) CheckInvariants() error { return c.st.store.CheckInvariants() }

// ---- local accounting, no network ----

// Peek returns the local copy of key if its role and tier match modes.
// The copy is not promoted.
func (c *Cache) Peek(key string, modes ...peek.Mode) ([]byte, bool, error) {
	pred, err := c.st.predicate(modes)
	if err != nil {
		return nil, false, err
	}
	a, err := c.st.assignment(affinity.Latest)
	if err != nil {
		return nil, false, err
	}
	e, ok, err := c.st.store.Peek(key)
	if err != nil || !ok {
		return nil, false, c.st.storeErr(err)
	}
	role := peek.RoleNear
	if !e.Near {
		role = a.RoleOf(c.st.self, e.Partition)
	}
	if !pred.Accepts(role, e.Tier) {
		return nil, false, nil
	}
	return e.Value, true, nil
}

// LocalSize counts local copies matching modes.
func (c *Cache) LocalSize(modes ...peek.Mode) (int, error) {
	n, err := c.LocalSizeLong(AllPartitions, modes...)
	return int(n), err
}

// LocalSizeLong counts local copies matching modes in one partition, or in
// all of them for AllPartitions. Evaluated at the latest topology.
func (c *Cache) LocalSizeLong(partition int, modes ...peek.Mode) (int64, error) {
	return c.LocalSizeAt(affinity.Latest, partition, modes...)
}

// LocalSizeAt is LocalSizeLong with roles evaluated at a pinned topology
// version. A version no longer retained fails with
// affinity.ErrStaleTopologyVersion.
func (c *Cache) LocalSizeAt(v affinity.Version, partition int, modes ...peek.Mode) (int64, error) {
	pred, err := c.st.predicate(modes)
	if err != nil {
		return 0, err
	}
	a, err := c.st.assignment(v)
	if err != nil {
		return 0, err
	}
	return c.st.count(a, pred, partition)
}

// LocalEntries returns the local copies matching modes. Its length equals
// LocalSize(modes...) absent concurrent writes.
func (c *Cache) LocalEntries(modes ...peek.Mode) ([]Entry, error) {
	pred, err := c.st.predicate(modes)
	if err != nil {
		return nil, err
	}
	a, err := c.st.assignment(affinity.Latest)
	if err != nil {
		return nil, err
	}
	var out []Entry
	err = c.st.store.Entries(pred, c.st.roleFunc(a), tier.AllPartitions, func(e tier.Entry[string, []byte]) bool {
		role := peek.RoleNear
		if !e.Near {
			role = a.RoleOf(c.st.self, e.Partition)
		}
		out = append(out, Entry{Key: e.Key, Value: e.Value, Partition: e.Partition, Tier: e.Tier, Role: role})
		return true
	})
	if err != nil {
		return nil, c.st.storeErr(err)
	}
	return out, nil
}

// ---- data path ----

// Put writes key to every owner of its partition. A node that does not own
// the partition keeps a near copy when its near overlay is on. Near copies
// held by other nodes are not invalidated.
func (c *Cache) Put(ctx context.Context, key string, value []byte) error {
	a, err := c.st.assignment(affinity.Latest)
	if err != nil {
		return err
	}
	p := c.st.topo.PartitionOf(key)
	owners := a.Owners(p)
	if len(owners) == 0 {
		return errors.Wrapf(ErrNoOwners, "cache %s partition %d", c.st.name, p)
	}

	g, ctx := errgroup.WithContext(ctx)
	local := false
	for _, id := range owners {
		id := id
		if id == c.st.self {
			local = true
			continue
		}
		g.Go(func() error {
			return c.remote(ctx, id, func(ctx context.Context, h transport.Handler) error {
				_, err := h.Put(ctx, &transport.PutRequest{Cache: c.st.name, Key: key, Value: value})
				return err
			})
		})
	}
	if local {
		if _, err := c.st.store.Put(key, value, peek.TierNone); err != nil {
			return c.st.storeErr(err)
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if !local && c.st.nearOn.Load() {
		c.st.store.PutNear(key, value)
	}
	return nil
}

// Get reads key from the local store, falling back to the primary owner.
// A remote hit is kept as a near copy when the near overlay is on.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	a, err := c.st.assignment(affinity.Latest)
	if err != nil {
		return nil, false, err
	}
	e, ok, err := c.st.store.Get(key)
	if err != nil {
		return nil, false, c.st.storeErr(err)
	}
	if ok {
		return e.Value, true, nil
	}
	owners := a.Owners(c.st.topo.PartitionOf(key))
	if len(owners) == 0 || owners[0] == c.st.self {
		return nil, false, nil
	}

	var resp *transport.GetResponse
	err = c.remote(ctx, owners[0], func(ctx context.Context, h transport.Handler) error {
		var err error
		resp, err = h.Get(ctx, &transport.GetRequest{Cache: c.st.name, Key: key})
		return err
	})
	if err != nil || !resp.Found {
		return nil, false, err
	}
	if c.st.nearOn.Load() && a.RoleOf(c.st.self, c.st.topo.PartitionOf(key)) == peek.RoleNone {
		c.st.store.PutNear(key, resp.Value)
	}
	return resp.Value, true, nil
}

// Remove deletes key from every owner and from the local near overlay.
func (c *Cache) Remove(ctx context.Context, key string) (bool, error) {
	a, err := c.st.assignment(affinity.Latest)
	if err != nil {
		return false, err
	}
	removed := c.st.store.Remove(key)
	if c.st.stopped.Load() {
		return false, ErrCacheStopped
	}

	g, ctx := errgroup.WithContext(ctx)
	results := make(chan bool, len(a.Owners(c.st.topo.PartitionOf(key))))
	for _, id := range a.Owners(c.st.topo.PartitionOf(key)) {
		id := id
		if id == c.st.self {
			continue
		}
		g.Go(func() error {
			return c.remote(ctx, id, func(ctx context.Context, h transport.Handler) error {
				resp, err := h.Remove(ctx, &transport.RemoveRequest{Cache: c.st.name, Key: key})
				if err == nil {
					results <- resp.Removed
				}
				return err
			})
		})
	}
	err = g.Wait()
	close(results)
	for r := range results {
		removed = removed || r
	}
	return removed, err
}

// remote calls node id with the per-request timeout applied.
func (c *Cache) remote(ctx context.Context, id affinity.NodeID, fn func(context.Context, transport.Handler) error) error {
	h, err := c.node.opt.Transport.Peer(id)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, c.node.opt.RequestTimeout)
	defer cancel()
	return fn(ctx, h)
}
