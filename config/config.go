// Package config loads the YAML configuration of a grid node.
package config

import (
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/cluster"
	"github.com/IvanBrykalov/shardgrid/internal/logging"
	"github.com/IvanBrykalov/shardgrid/lifecycle"
)

// Configuration is the complete node configuration.
type Configuration struct {
	Node        NodeConfig              `yaml:"node"`
	Etcd        EtcdConfig              `yaml:"etcd"`
	Log         logging.Config          `yaml:"log"`
	Metrics     MetricsConfig           `yaml:"metrics"`
	Aggregation AggregationConfig       `yaml:"aggregation"`
	Topology    TopologyConfig          `yaml:"topology"`
	Caches      []lifecycle.StartConfig `yaml:"caches"`
}

// NodeConfig identifies this node and where it listens.
type NodeConfig struct {
	ID string `yaml:"id"`
	// ListenAddr serves the node-to-node gRPC API.
	ListenAddr string `yaml:"listen_addr"`
	// HTTPAddr serves /metrics, /size and /peek; empty disables it.
	HTTPAddr string `yaml:"http_addr"`
	SwapDir  string `yaml:"swap_dir"`
	// Members is a static member list used when no etcd endpoints are set.
	Members []MemberConfig `yaml:"members"`
}

// MemberConfig is one statically configured member.
type MemberConfig struct {
	ID   string `yaml:"id"`
	Addr string `yaml:"addr"`
}

// EtcdConfig enables etcd membership when Endpoints is not empty.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	LeaseTTL    time.Duration `yaml:"lease_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MetricsConfig names the Prometheus namespace.
type MetricsConfig struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// AggregationConfig bounds cluster size queries.
type AggregationConfig struct {
	FanOut  int           `yaml:"fan_out"`
	Timeout time.Duration `yaml:"timeout"`
}

// TopologyConfig controls topology history.
type TopologyConfig struct {
	Retain int `yaml:"retain"`
}

// NewDefault returns a configuration with defaults for every optional field.
func NewDefault() *Configuration {
	return &Configuration{
		Node: NodeConfig{
			ListenAddr: "127.0.0.1:7400",
			HTTPAddr:   "127.0.0.1:7480",
		},
		Etcd: EtcdConfig{
			Prefix:      "shardgrid/members",
			LeaseTTL:    5 * time.Second,
			DialTimeout: 5 * time.Second,
		},
		Log: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Namespace: "shardgrid",
			Subsystem: "node",
		},
		Aggregation: AggregationConfig{
			FanOut:  16,
			Timeout: 5 * time.Second,
		},
		Topology: TopologyConfig{
			Retain: 8,
		},
	}
}

// Load reads filename over the defaults, applies SHARDGRID_* environment
// overrides and validates the result.
func Load(filename string) (*Configuration, error) {
	c := NewDefault()
	if err := c.LoadFromFile(filename); err != nil {
		return nil, err
	}
	c.LoadFromEnv()
	c.applyCacheDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadFromFile loads configuration from a YAML file.
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return errors.Wrap(err, "read config file")
	}
	return c.Parse(data)
}

// Parse decodes YAML over the current values. Unknown fields are rejected.
func (c *Configuration) Parse(data []byte) error {
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return errors.Wrap(err, "parse config")
	}
	return nil
}

// LoadFromEnv overrides node identity, addresses and log level.
func (c *Configuration) LoadFromEnv() {
	if val := os.Getenv("SHARDGRID_NODE_ID"); val != "" {
		c.Node.ID = val
	}
	if val := os.Getenv("SHARDGRID_LISTEN_ADDR"); val != "" {
		c.Node.ListenAddr = val
	}
	if val := os.Getenv("SHARDGRID_HTTP_ADDR"); val != "" {
		c.Node.HTTPAddr = val
	}
	if val := os.Getenv("SHARDGRID_ETCD_ENDPOINTS"); val != "" {
		c.Etcd.Endpoints = strings.Split(val, ",")
	}
	if val := os.Getenv("SHARDGRID_LOG_LEVEL"); val != "" {
		c.Log.Level = val
	}
	if val := os.Getenv("SHARDGRID_FAN_OUT"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Aggregation.FanOut = n
		}
	}
}

func (c *Configuration) applyCacheDefaults() {
	for i := range c.Caches {
		c.Caches[i] = c.Caches[i].WithDefaults()
	}
}

// Validate reports the first invalid field by its YAML path.
func (c *Configuration) Validate() error {
	switch {
	case c.Node.ID == "":
		return errors.New("node.id is required")
	case c.Node.ListenAddr == "":
		return errors.New("node.listen_addr is required")
	case c.Aggregation.FanOut <= 0:
		return errors.Errorf("aggregation.fan_out must be greater than 0, got %d", c.Aggregation.FanOut)
	case c.Aggregation.Timeout <= 0:
		return errors.Errorf("aggregation.timeout must be greater than 0, got %v", c.Aggregation.Timeout)
	case c.Topology.Retain <= 0:
		return errors.Errorf("topology.retain must be greater than 0, got %d", c.Topology.Retain)
	case len(c.Etcd.Endpoints) > 0 && c.Etcd.LeaseTTL < time.Second:
		return errors.Errorf("etcd.lease_ttl must be at least 1s, got %v", c.Etcd.LeaseTTL)
	}

	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.Log.Level)) {
		return errors.Errorf("invalid log.level: %s (must be one of: %s)",
			c.Log.Level, strings.Join(validLevels, ", "))
	}
	if f := strings.ToLower(c.Log.Format); f != "json" && f != "console" {
		return errors.Errorf("invalid log.format: %s (must be json or console)", c.Log.Format)
	}

	seen := make(map[string]bool, len(c.Node.Members))
	for i, m := range c.Node.Members {
		if m.ID == "" || m.Addr == "" {
			return errors.Errorf("node.members[%d]: id and addr are required", i)
		}
		if seen[m.ID] {
			return errors.Errorf("node.members[%d]: duplicate id %q", i, m.ID)
		}
		seen[m.ID] = true
	}

	names := make(map[string]bool, len(c.Caches))
	for i, cc := range c.Caches {
		if cc.Name == "" {
			return errors.Errorf("caches[%d].name is required", i)
		}
		if names[cc.Name] {
			return errors.Errorf("caches[%d].name: duplicate cache %q", i, cc.Name)
		}
		names[cc.Name] = true
		if err := cc.Validate(); err != nil {
			return errors.Wrapf(err, "caches[%d] (%s)", i, cc.Name)
		}
	}
	return nil
}

// NodeID returns the node identity.
func (c *Configuration) NodeID() affinity.NodeID { return affinity.NodeID(c.Node.ID) }

// StaticMembers returns the configured member list, always including this
// node at its listen address.
func (c *Configuration) StaticMembers() []cluster.Member {
	out := []cluster.Member{{ID: c.NodeID(), Addr: c.Node.ListenAddr}}
	for _, m := range c.Node.Members {
		if affinity.NodeID(m.ID) == c.NodeID() {
			continue
		}
		out = append(out, cluster.Member{ID: affinity.NodeID(m.ID), Addr: m.Addr})
	}
	return out
}

// StartRequests returns one start request per configured cache. Deployment
// ids are derived from the cache name so every node started from the same
// file agrees on them.
func (c *Configuration) StartRequests() []lifecycle.Request {
	out := make([]lifecycle.Request, 0, len(c.Caches))
	for _, cc := range c.Caches {
		cfg := cc.WithDefaults()
		if cfg.SwapDir == "" {
			cfg.SwapDir = c.Node.SwapDir
		}
		req := lifecycle.Request{
			DeploymentID: "config:" + cfg.Name,
			Name:         cfg.Name,
			StartConfig:  &cfg,
		}
		if cfg.NearEnabled {
			req.NearConfig = &lifecycle.NearConfig{Capacity: cfg.NearCapacity}
		}
		out = append(out, req)
	}
	return out
}
