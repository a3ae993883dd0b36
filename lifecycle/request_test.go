package lifecycle

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequest_Kind(t *testing.T) {
	t.Parallel()

	cfg := StartConfig{Name: "c"}
	tests := []struct {
		name string
		req  Request
		want Kind
	}{
		{"start", Request{StartConfig: &cfg}, KindStart},
		{"start from a node", Request{StartConfig: &cfg, InitiatingNode: "n1"}, KindStart},
		{"stop", Request{Name: "c"}, KindStop},
		{"client start", Request{Name: "c", InitiatingNode: "n1"}, KindClientStart},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.req.Kind(), tt.name)
		assert.Equal(t, tt.want == KindStart, tt.req.IsStart(), tt.name)
		assert.Equal(t, tt.want == KindStop, tt.req.IsStop(), tt.name)
		assert.Equal(t, tt.want == KindClientStart, tt.req.IsClientStart(), tt.name)
	}
}

func TestRequest_CacheNameFallback(t *testing.T) {
	t.Parallel()

	r := Request{StartConfig: &StartConfig{Name: "from-config"}}
	assert.Equal(t, "from-config", r.CacheName())
	r.Name = "explicit"
	assert.Equal(t, "explicit", r.CacheName())
}

func TestRequest_Validate(t *testing.T) {
	t.Parallel()

	good := Start(StartConfig{Name: "c"})
	require.NoError(t, good.Validate())

	bad := []Request{
		{Name: "c"},
		{DeploymentID: "d"},
		{DeploymentID: "d", Name: "a", StartConfig: &StartConfig{Name: "b"}},
		{DeploymentID: "d", Name: "c", ClientStartOnly: true},
		{DeploymentID: "d", Name: "c", StartConfig: &StartConfig{Partitions: -1}},
		{DeploymentID: "d", Name: "c", StartConfig: &StartConfig{Mode: "sharded"}},
	}
	for i, r := range bad {
		assert.True(t, errors.Is(r.Validate(), ErrInvalidRequest), "case %d", i)
	}
}

func TestRequest_ValidateAppliesDefaults(t *testing.T) {
	t.Parallel()

	var r Request
	wire := `{"deploymentId":"d1","cacheName":"c","startConfig":{"partitions":4,"backups":1,"nearEnabled":true}}`
	require.NoError(t, json.Unmarshal([]byte(wire), &r))
	require.NoError(t, r.Validate())

	// Validation must not rewrite the request.
	assert.Equal(t, CacheMode(""), r.StartConfig.Mode)
	assert.Zero(t, r.StartConfig.HeapCapacity)
}

func TestStartConfig_Validate(t *testing.T) {
	t.Parallel()

	base := StartConfig{Name: "c"}.WithDefaults()
	require.NoError(t, base.Validate())

	mutate := []func(*StartConfig){
		func(c *StartConfig) { c.Mode = "sharded" },
		func(c *StartConfig) { c.Partitions = -1 },
		func(c *StartConfig) { c.Backups = -1 },
		func(c *StartConfig) { c.HeapCapacity = -5 },
		func(c *StartConfig) { c.Affinity = "modulo" },
		func(c *StartConfig) { c.Policy = "random" },
		func(c *StartConfig) { c.Swap = "tape" },
	}
	for i, m := range mutate {
		c := base
		m(&c)
		assert.True(t, errors.Is(c.Validate(), ErrInvalidRequest), "case %d", i)
	}
}

func TestRequest_Idempotency(t *testing.T) {
	t.Parallel()

	start := Start(StartConfig{Name: "c"})
	_, err := uuid.Parse(start.DeploymentID)
	require.NoError(t, err)

	stop := Stop("c", start.DeploymentID)
	client := ClientStart("c", start.DeploymentID, "n1", nil)
	keys := map[string]bool{start.Key(): true, stop.Key(): true, client.Key(): true}
	assert.Len(t, keys, 3, "start, stop and client start of one deployment are distinct")
	assert.NotEqual(t, start.DeploymentID, Start(StartConfig{Name: "c"}).DeploymentID)
}

func TestRequest_WireShape(t *testing.T) {
	t.Parallel()

	r := ClientStart("c", "d-1", "n1", &NearConfig{Capacity: 10})
	raw, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"deploymentId": "d-1",
		"cacheName": "c",
		"initiatingNodeId": "n1",
		"nearCacheConfig": {"capacity": 10},
		"clientStartOnly": true
	}`, string(raw))
}
