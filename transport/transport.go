// Package transport defines node-addressed request/response messaging
// between grid nodes. Messages are plain structs with JSON tags so any
// codec can carry them.
package transport

import (
	"context"

	"github.com/pkg/errors"

	"github.com/IvanBrykalov/shardgrid/affinity"
)

// ErrUnreachable reports that a request could not be delivered or that its
// response was lost. Callers must treat the target's answer as unknown.
var ErrUnreachable = errors.New("transport: node unreachable")

// Unreachable wraps cause (which may be nil) with ErrUnreachable and the node id.
func Unreachable(node affinity.NodeID, cause error) error {
	if cause == nil {
		return errors.Wrapf(ErrUnreachable, "node %s", node)
	}
	return errors.Wrapf(ErrUnreachable, "node %s: %v", node, cause)
}

// CountRequest asks a node for its local count of a cache.
type CountRequest struct {
	Cache string `json:"cache"`
	// Version is the topology version the requester selected targets at.
	Version affinity.Version `json:"version"`
	// Partition restricts the count; -1 counts every partition.
	Partition int      `json:"partition"`
	Modes     []string `json:"modes,omitempty"`
}

type CountResponse struct {
	Count int64 `json:"count"`
	// Version is the topology version the count was evaluated at.
	Version affinity.Version `json:"version"`
}

type PutRequest struct {
	Cache string `json:"cache"`
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type PutResponse struct {
	Tier string `json:"tier"`
}

type GetRequest struct {
	Cache string `json:"cache"`
	Key   string `json:"key"`
}

type GetResponse struct {
	Value []byte `json:"value,omitempty"`
	Found bool   `json:"found"`
}

type RemoveRequest struct {
	Cache string `json:"cache"`
	Key   string `json:"key"`
}

type RemoveResponse struct {
	Removed bool `json:"removed"`
}

// Handler serves requests addressed to one node.
type Handler interface {
	Count(ctx context.Context, req *CountRequest) (*CountResponse, error)
	Put(ctx context.Context, req *PutRequest) (*PutResponse, error)
	Get(ctx context.Context, req *GetRequest) (*GetResponse, error)
	Remove(ctx context.Context, req *RemoveRequest) (*RemoveResponse, error)
}

// Transport resolves node ids to callable peers. A Peer call that fails to
// reach the node returns an error wrapping ErrUnreachable.
type Transport interface {
	Peer(id affinity.NodeID) (Handler, error)
	Close() error
}
