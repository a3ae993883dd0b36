package grid

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/cluster"
	"github.com/IvanBrykalov/shardgrid/lifecycle"
	"github.com/IvanBrykalov/shardgrid/transport/inproc"
)

// testCluster is n nodes on one in-process network sharing a membership.
type testCluster struct {
	net     *inproc.Network
	members *cluster.Membership
	nodes   []*Node
}

func nodeID(i int) affinity.NodeID { return affinity.NodeID(fmt.Sprintf("n%d", i)) }

func keyOf(i int) string { return fmt.Sprintf("k%04d", i) }

func newCluster(t testing.TB, n int, tweak ...func(*Options)) *testCluster {
	t.Helper()
	tc := &testCluster{net: inproc.NewNetwork(), members: cluster.NewMembership(nil)}
	ms := make([]cluster.Member, n)
	for i := 0; i < n; i++ {
		opt := Options{
			ID:             nodeID(i),
			Membership:     tc.members,
			Transport:      tc.net.Transport(nodeID(i)),
			RequestTimeout: time.Second,
		}
		for _, f := range tweak {
			f(&opt)
		}
		node, err := NewNode(opt)
		require.NoError(t, err)
		tc.net.Register(nodeID(i), node)
		tc.nodes = append(tc.nodes, node)
		ms[i] = cluster.Member{ID: nodeID(i)}
	}
	tc.members.Join(ms...)
	t.Cleanup(func() {
		for _, node := range tc.nodes {
			_ = node.Close()
		}
	})
	return tc
}

// apply broadcasts req to every node.
func (tc *testCluster) apply(t testing.TB, req lifecycle.Request) {
	t.Helper()
	for _, node := range tc.nodes {
		require.NoError(t, node.Apply(req), "node %s", node.ID())
	}
}

func (tc *testCluster) cache(t testing.TB, i int, name string) *Cache {
	t.Helper()
	c, err := tc.nodes[i].Cache(name)
	require.NoError(t, err)
	return c
}

// caches returns the handles of name on every node.
func (tc *testCluster) caches(t testing.TB, name string) []*Cache {
	t.Helper()
	out := make([]*Cache, len(tc.nodes))
	for i := range tc.nodes {
		out[i] = tc.cache(t, i, name)
	}
	return out
}

func partitioned(name string, backups int) lifecycle.StartConfig {
	return lifecycle.StartConfig{Name: name, Partitions: 16, Backups: backups}
}

func replicated(name string) lifecycle.StartConfig {
	return lifecycle.StartConfig{Name: name, Mode: lifecycle.Replicated, Partitions: 16}
}

// withNear enables the near overlay on every node.
func withNear(req lifecycle.Request) lifecycle.Request {
	req.NearConfig = &lifecycle.NearConfig{}
	return req
}
