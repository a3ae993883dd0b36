// Package lifecycle describes the control messages that start and stop a
// cache. Delivery is up to the caller; a grid node applies each request at
// most once per deployment.
package lifecycle

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/IvanBrykalov/shardgrid/affinity"
)

// ErrInvalidRequest is wrapped by Validate failures.
var ErrInvalidRequest = errors.New("lifecycle: invalid request")

// CacheMode selects how partitions are owned.
type CacheMode string

const (
	Partitioned CacheMode = "partitioned"
	Replicated  CacheMode = "replicated"
)

// SwapKind selects the swap tier implementation.
type SwapKind string

const (
	SwapNone   SwapKind = "none"
	SwapMemory SwapKind = "memory"
	SwapBolt   SwapKind = "bolt"
)

// Defaults applied by StartConfig.WithDefaults.
const (
	DefaultPartitions   = 64
	DefaultHeapCapacity = 100_000
	DefaultNearCapacity = 10_000
)

// StartConfig is the static configuration of a cache.
type StartConfig struct {
	Name       string    `json:"name" yaml:"name"`
	Mode       CacheMode `json:"mode" yaml:"mode"`
	Partitions int       `json:"partitions" yaml:"partitions"`
	Backups    int       `json:"backups" yaml:"backups"`
	// Affinity names the affinity function: "rendezvous" (default) or "ring".
	Affinity string `json:"affinity,omitempty" yaml:"affinity"`

	HeapCapacity int `json:"heapCapacity" yaml:"heap_capacity"`
	// OffHeapCapacity: 0 => unbounded, < 0 => tier disabled.
	OffHeapCapacity int      `json:"offHeapCapacity" yaml:"offheap_capacity"`
	Swap            SwapKind `json:"swap,omitempty" yaml:"swap"`
	// SwapDir holds bolt swap files; empty => the node's swap dir.
	SwapDir string `json:"swapDir,omitempty" yaml:"swap_dir"`
	// Policy names the tier ordering: "lru" (default), "fifo" or "2q".
	Policy string `json:"policy,omitempty" yaml:"policy"`

	// NearEnabled turns the near overlay on for every node.
	NearEnabled  bool `json:"nearEnabled" yaml:"near_enabled"`
	NearCapacity int  `json:"nearCapacity,omitempty" yaml:"near_capacity"`
}

// WithDefaults returns a copy with zero values replaced by defaults.
func (c StartConfig) WithDefaults() StartConfig {
	if c.Mode == "" {
		c.Mode = Partitioned
	}
	if c.Partitions == 0 {
		c.Partitions = DefaultPartitions
	}
	if c.Affinity == "" {
		c.Affinity = "rendezvous"
	}
	if c.HeapCapacity == 0 {
		c.HeapCapacity = DefaultHeapCapacity
	}
	if c.Swap == "" {
		c.Swap = SwapNone
	}
	if c.Policy == "" {
		c.Policy = "lru"
	}
	if c.NearCapacity == 0 {
		c.NearCapacity = DefaultNearCapacity
	}
	return c
}

// Validate reports the first unusable field.
func (c StartConfig) Validate() error {
	switch {
	case c.Mode != Partitioned && c.Mode != Replicated:
		return errors.Wrapf(ErrInvalidRequest, "mode %q", c.Mode)
	case c.Partitions <= 0:
		return errors.Wrapf(ErrInvalidRequest, "partitions %d", c.Partitions)
	case c.Backups < 0:
		return errors.Wrapf(ErrInvalidRequest, "backups %d", c.Backups)
	case c.HeapCapacity <= 0:
		return errors.Wrapf(ErrInvalidRequest, "heap capacity %d", c.HeapCapacity)
	case c.NearCapacity < 0:
		return errors.Wrapf(ErrInvalidRequest, "near capacity %d", c.NearCapacity)
	}
	switch strings.ToLower(c.Affinity) {
	case "rendezvous", "ring":
	default:
		return errors.Wrapf(ErrInvalidRequest, "affinity %q", c.Affinity)
	}
	switch strings.ToLower(c.Policy) {
	case "lru", "fifo", "2q":
	default:
		return errors.Wrapf(ErrInvalidRequest, "policy %q", c.Policy)
	}
	switch c.Swap {
	case SwapNone, SwapMemory, SwapBolt:
	default:
		return errors.Wrapf(ErrInvalidRequest, "swap %q", c.Swap)
	}
	return nil
}

// NearConfig enables the near overlay.
type NearConfig struct {
	// Capacity overrides StartConfig.NearCapacity on the nodes a start
	// request enables the overlay for. A client start cannot resize an
	// existing overlay.
	Capacity int `json:"capacity,omitempty" yaml:"capacity"`
}

// Kind is the derived request kind.
type Kind int

const (
	KindStart Kind = iota
	KindStop
	KindClientStart
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindStop:
		return "stop"
	default:
		return "client-start"
	}
}

// Request is a cache start or stop message.
//
//   - start: StartConfig present
//   - stop: StartConfig and InitiatingNode both absent
//   - client start: InitiatingNode set, no StartConfig; the cache must exist
type Request struct {
	DeploymentID    string          `json:"deploymentId"`
	Name            string          `json:"cacheName"`
	StartConfig     *StartConfig    `json:"startConfig,omitempty"`
	InitiatingNode  affinity.NodeID `json:"initiatingNodeId,omitempty"`
	NearConfig      *NearConfig     `json:"nearCacheConfig,omitempty"`
	ClientStartOnly bool            `json:"clientStartOnly"`
}

func (r Request) IsStart() bool { return r.StartConfig != nil }
func (r Request) IsStop() bool  { return r.StartConfig == nil && r.InitiatingNode == "" }

// IsClientStart reports a start of an already deployed cache on the
// initiating node.
func (r Request) IsClientStart() bool { return r.StartConfig == nil && r.InitiatingNode != "" }

func (r Request) Kind() Kind {
	switch {
	case r.IsStart():
		return KindStart
	case r.IsStop():
		return KindStop
	}
	return KindClientStart
}

// CacheName returns Name, falling back to the start config name.
func (r Request) CacheName() string {
	if r.Name == "" && r.StartConfig != nil {
		return r.StartConfig.Name
	}
	return r.Name
}

// Key is the idempotency key: one deployment may carry a start and a stop.
func (r Request) Key() string {
	k := r.DeploymentID + "/" + r.Kind().String()
	if r.IsClientStart() {
		k += "/" + string(r.InitiatingNode)
	}
	return k
}

// Validate checks that the request can be applied.
func (r Request) Validate() error {
	if r.DeploymentID == "" {
		return errors.Wrap(ErrInvalidRequest, "empty deployment id")
	}
	if r.CacheName() == "" {
		return errors.Wrap(ErrInvalidRequest, "empty cache name")
	}
	if r.StartConfig != nil {
		if r.StartConfig.Name != "" && r.Name != "" && r.StartConfig.Name != r.Name {
			return errors.Wrapf(ErrInvalidRequest, "name %q disagrees with start config %q", r.Name, r.StartConfig.Name)
		}
		if err := r.StartConfig.WithDefaults().Validate(); err != nil {
			return err
		}
	}
	if r.ClientStartOnly && r.InitiatingNode == "" {
		return errors.Wrap(ErrInvalidRequest, "client-only start needs an initiating node")
	}
	return nil
}

// NewDeploymentID returns a fresh unique deployment token.
func NewDeploymentID() string { return uuid.NewString() }

// Start builds a start request with a new deployment id.
func Start(cfg StartConfig) Request {
	cfg = cfg.WithDefaults()
	return Request{DeploymentID: NewDeploymentID(), Name: cfg.Name, StartConfig: &cfg}
}

// Stop builds the stop request for a deployment.
func Stop(name, deploymentID string) Request {
	return Request{DeploymentID: deploymentID, Name: name}
}

// ClientStart builds a client-only start of an existing cache on node.
func ClientStart(name, deploymentID string, node affinity.NodeID, near *NearConfig) Request {
	return Request{
		DeploymentID:    deploymentID,
		Name:            name,
		InitiatingNode:  node,
		NearConfig:      near,
		ClientStartOnly: true,
	}
}
