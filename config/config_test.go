package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/lifecycle"
)

const sample = `
node:
  id: n1
  listen_addr: 10.0.0.1:7400
  swap_dir: /var/lib/shardgrid
  members:
    - {id: n2, addr: 10.0.0.2:7400}
log:
  level: debug
  format: console
aggregation:
  fan_out: 4
  timeout: 750ms
caches:
  - name: orders
    partitions: 32
    backups: 1
    heap_capacity: 1000
    offheap_capacity: 4000
    swap: bolt
    policy: 2q
    near_enabled: true
    near_capacity: 100
  - name: sessions
    mode: replicated
`

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	assert.Equal(t, affinity.NodeID("n1"), c.NodeID())
	assert.Equal(t, "127.0.0.1:7480", c.Node.HTTPAddr, "default kept")
	assert.Equal(t, 4, c.Aggregation.FanOut)
	assert.Equal(t, 750*time.Millisecond, c.Aggregation.Timeout)
	assert.Equal(t, 8, c.Topology.Retain)
	require.Len(t, c.Caches, 2)

	orders := c.Caches[0]
	assert.Equal(t, lifecycle.Partitioned, orders.Mode)
	assert.Equal(t, lifecycle.SwapBolt, orders.Swap)
	assert.Equal(t, "2q", orders.Policy)

	sessions := c.Caches[1]
	assert.Equal(t, lifecycle.Replicated, sessions.Mode)
	assert.Equal(t, lifecycle.DefaultPartitions, sessions.Partitions)
	assert.Equal(t, lifecycle.DefaultHeapCapacity, sessions.HeapCapacity)

	members := c.StaticMembers()
	require.Len(t, members, 2)
	assert.Equal(t, affinity.NodeID("n1"), members[0].ID)
	assert.Equal(t, "10.0.0.2:7400", members[1].Addr)
}

func TestStartRequests(t *testing.T) {
	c, err := Load(writeFile(t, sample))
	require.NoError(t, err)

	reqs := c.StartRequests()
	require.Len(t, reqs, 2)
	for _, r := range reqs {
		require.NoError(t, r.Validate())
		assert.True(t, r.IsStart())
	}
	assert.Equal(t, "config:orders", reqs[0].DeploymentID)
	require.NotNil(t, reqs[0].NearConfig)
	assert.Equal(t, 100, reqs[0].NearConfig.Capacity)
	assert.Equal(t, "/var/lib/shardgrid", reqs[0].StartConfig.SwapDir)
	assert.Nil(t, reqs[1].NearConfig)

	again := c.StartRequests()
	assert.Equal(t, reqs[0].Key(), again[0].Key(), "deployment ids are stable")
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SHARDGRID_NODE_ID", "from-env")
	t.Setenv("SHARDGRID_ETCD_ENDPOINTS", "a:2379,b:2379")
	t.Setenv("SHARDGRID_FAN_OUT", "3")

	c, err := Load(writeFile(t, sample))
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.Node.ID)
	assert.Equal(t, []string{"a:2379", "b:2379"}, c.Etcd.Endpoints)
	assert.Equal(t, 3, c.Aggregation.FanOut)
}

func TestValidate_NamesField(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mutate func(*Configuration)
		field  string
	}{
		{func(c *Configuration) { c.Node.ID = "" }, "node.id"},
		{func(c *Configuration) { c.Node.ListenAddr = "" }, "node.listen_addr"},
		{func(c *Configuration) { c.Aggregation.FanOut = 0 }, "aggregation.fan_out"},
		{func(c *Configuration) { c.Aggregation.Timeout = 0 }, "aggregation.timeout"},
		{func(c *Configuration) { c.Topology.Retain = -1 }, "topology.retain"},
		{func(c *Configuration) { c.Log.Level = "loud" }, "log.level"},
		{func(c *Configuration) { c.Log.Format = "xml" }, "log.format"},
		{func(c *Configuration) {
			c.Etcd.Endpoints = []string{"x"}
			c.Etcd.LeaseTTL = time.Millisecond
		}, "etcd.lease_ttl"},
		{func(c *Configuration) { c.Node.Members = []MemberConfig{{ID: "a"}} }, "node.members[0]"},
		{func(c *Configuration) { c.Caches = []lifecycle.StartConfig{{}} }, "caches[0].name"},
		{func(c *Configuration) {
			c.Caches = []lifecycle.StartConfig{
				lifecycle.StartConfig{Name: "a"}.WithDefaults(),
				lifecycle.StartConfig{Name: "a"}.WithDefaults(),
			}
		}, "caches[1].name"},
		{func(c *Configuration) {
			cc := lifecycle.StartConfig{Name: "a"}.WithDefaults()
			cc.Backups = -1
			c.Caches = []lifecycle.StartConfig{cc}
		}, "caches[0] (a)"},
	}
	for _, tt := range tests {
		c := NewDefault()
		c.Node.ID = "n1"
		tt.mutate(c)
		err := c.Validate()
		require.Error(t, err, tt.field)
		assert.Contains(t, err.Error(), tt.field)
	}
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	t.Parallel()
	c := NewDefault()
	assert.Error(t, c.Parse([]byte("node:\n  idd: n1\n")))
}
