package grid

import (
	"context"
	"slices"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/peek"
	"github.com/IvanBrykalov/shardgrid/transport"
)

// Size counts the copies matching modes across the cluster.
func (c *Cache) Size(ctx context.Context, modes ...peek.Mode) (int, error) {
	n, err := c.SizeLong(ctx, AllPartitions, modes...)
	return int(n), err
}

// SizeLong counts the copies matching modes in one partition (or all)
// across the cluster. Targets are chosen at the current topology version:
// primary owners for PRIMARY, backup owners for BACKUP and every member
// when NEAR is requested. Every target must answer; a missing answer fails
// the query with *PartialAggregationFailure instead of undercounting.
//
// Ownership may move between target selection and the answers; the total
// then reflects a mix of versions and matches a later call once the
// topology settles.
func (c *Cache) SizeLong(ctx context.Context, partition int, modes ...peek.Mode) (int64, error) {
	start := time.Now()
	n, err := c.sizeLong(ctx, partition, modes)
	c.node.opt.Metrics.Aggregation(c.st.name, time.Since(start), err)
	return n, err
}

func (c *Cache) sizeLong(ctx context.Context, partition int, modes []peek.Mode) (int64, error) {
	pred, err := peek.Resolve(modes...)
	if err != nil {
		return 0, err
	}
	if err := c.st.checkPartition(partition); err != nil {
		return 0, err
	}
	a, err := c.st.assignment(affinity.Latest)
	if err != nil {
		return 0, err
	}
	targets := c.targets(a, pred, partition)
	if len(targets) == 0 {
		return 0, nil
	}

	req := &transport.CountRequest{
		Cache:     c.st.name,
		Version:   a.Version(),
		Partition: partition,
		Modes:     peek.Strings(modes),
	}

	var (
		mu     sync.Mutex
		total  int64
		failed []affinity.NodeID
		causes error
	)
	var g errgroup.Group
	g.SetLimit(c.node.opt.FanOut)
	for _, id := range targets {
		id := id
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			cnt, err := c.countOn(ctx, id, req)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, id)
				causes = multierr.Append(causes, err)
				return nil
			}
			total += cnt
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(failed) > 0 {
		slices.Sort(failed)
		for _, id := range failed {
			c.node.opt.Metrics.TargetFailed(c.st.name, id)
		}
		c.node.log.Warn("size aggregation incomplete",
			zap.String("cache", c.st.name),
			zap.Stringer("version", a.Version()),
			zap.Int("targets", len(targets)),
			zap.Int("failed", len(failed)),
			zap.Error(causes))
		return 0, &PartialAggregationFailure{
			Cache:   c.st.name,
			Version: a.Version(),
			Nodes:   failed,
			Err:     causes,
		}
	}
	return total, nil
}

// countOn answers the local target in process and remote targets through
// the transport.
func (c *Cache) countOn(ctx context.Context, id affinity.NodeID, req *transport.CountRequest) (int64, error) {
	if id == c.st.self {
		modes, err := peek.ParseModes(req.Modes...)
		if err != nil {
			return 0, err
		}
		pred, err := c.st.predicate(modes)
		if err != nil {
			return 0, err
		}
		resp, err := c.node.countLocal(c.st, req.Version, req.Partition, pred)
		if err != nil {
			return 0, err
		}
		return resp.Count, nil
	}
	var cnt int64
	err := c.remote(ctx, id, func(ctx context.Context, h transport.Handler) error {
		resp, err := h.Count(ctx, req)
		if err != nil {
			return err
		}
		cnt = resp.Count
		return nil
	})
	return cnt, err
}

// targets lists, sorted, the nodes that can hold copies accepted by pred.
func (c *Cache) targets(a *affinity.Assignment, pred peek.Predicate, partition int) []affinity.NodeID {
	set := mapset.NewThreadUnsafeSet[affinity.NodeID]()
	if pred.HasRole(peek.RoleNear) {
		// Near copies can sit on any member, client-only ones included.
		set.Append(c.st.members().IDs()...)
	}
	parts := []int{partition}
	if partition == AllPartitions {
		parts = make([]int, a.Partitions())
		for i := range parts {
			parts[i] = i
		}
	}
	for _, p := range parts {
		owners := a.Owners(p)
		if len(owners) == 0 {
			continue
		}
		if pred.HasRole(peek.RolePrimary) {
			set.Add(owners[0])
		}
		if pred.HasRole(peek.RoleBackup) {
			set.Append(owners[1:]...)
		}
	}
	ids := set.ToSlice()
	slices.Sort(ids)
	return ids
}

// SizeFuture is the pending result of SizeAsync.
type SizeFuture struct {
	done   chan struct{}
	cancel context.CancelFunc
	n      int64
	err    error
}

// SizeAsync starts SizeLong in the background.
func (c *Cache) SizeAsync(ctx context.Context, partition int, modes ...peek.Mode) *SizeFuture {
	ctx, cancel := context.WithCancel(ctx)
	f := &SizeFuture{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		f.n, f.err = c.SizeLong(ctx, partition, modes...)
		close(f.done)
	}()
	return f
}

// Done is closed once the result is available.
func (f *SizeFuture) Done() <-chan struct{} { return f.done }

// Get waits for the result. A ctx ending first returns ctx.Err() and leaves
// the query running.
func (f *SizeFuture) Get(ctx context.Context) (int64, error) {
	select {
	case <-f.done:
		return f.n, f.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Cancel abandons the query. Partial counts already collected are
// discarded and the future completes with context.Canceled. No-op after
// completion.
func (f *SizeFuture) Cancel() { f.cancel() }
