// Package inproc connects grid nodes living in one process. Nodes can be
// killed and revived to exercise failure handling.
package inproc

import (
	"context"
	"sync"
	"time"

	"github.com/IvanBrykalov/shardgrid/affinity"
	"github.com/IvanBrykalov/shardgrid/transport"
)

// Network is a set of registered handlers addressed by node id.
type Network struct {
	mu     sync.RWMutex
	nodes  map[affinity.NodeID]transport.Handler
	down   map[affinity.NodeID]bool
	delays map[affinity.NodeID]time.Duration
}

func NewNetwork() *Network {
	return &Network{
		nodes:  make(map[affinity.NodeID]transport.Handler),
		down:   make(map[affinity.NodeID]bool),
		delays: make(map[affinity.NodeID]time.Duration),
	}
}

// Register attaches h as node id, replacing any previous handler.
func (n *Network) Register(id affinity.NodeID, h transport.Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nodes[id] = h
	delete(n.down, id)
}

func (n *Network) Unregister(id affinity.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, id)
}

// Kill makes id unreachable. Calls already inside its handler complete but
// their responses are lost.
func (n *Network) Kill(id affinity.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.down[id] = true
}

func (n *Network) Revive(id affinity.NodeID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.down, id)
}

// Delay holds every request to id for d before delivery.
func (n *Network) Delay(id affinity.NodeID, d time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if d <= 0 {
		delete(n.delays, id)
		return
	}
	n.delays[id] = d
}

// Transport returns the view of the network from node self.
func (n *Network) Transport(self affinity.NodeID) transport.Transport {
	return &endpoint{net: n, self: self}
}

func (n *Network) lookup(id affinity.NodeID) (transport.Handler, time.Duration, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	h, ok := n.nodes[id]
	if !ok || n.down[id] {
		return nil, 0, false
	}
	return h, n.delays[id], true
}

func (n *Network) alive(id affinity.NodeID) bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	_, ok := n.nodes[id]
	return ok && !n.down[id]
}

type endpoint struct {
	net  *Network
	self affinity.NodeID
}

func (e *endpoint) Peer(id affinity.NodeID) (transport.Handler, error) {
	if !e.net.alive(id) {
		return nil, transport.Unreachable(id, nil)
	}
	return &peer{net: e.net, id: id}, nil
}

func (e *endpoint) Close() error { return nil }

// peer re-resolves the handler per call so Kill takes effect immediately.
type peer struct {
	net *Network
	id  affinity.NodeID
}

func call[Req, Resp any](ctx context.Context, p *peer, req Req, fn func(transport.Handler, context.Context, Req) (Resp, error)) (Resp, error) {
	var zero Resp
	h, delay, ok := p.net.lookup(p.id)
	if !ok {
		return zero, transport.Unreachable(p.id, nil)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
		if !p.net.alive(p.id) {
			return zero, transport.Unreachable(p.id, nil)
		}
	}
	resp, err := fn(h, ctx, req)
	if !p.net.alive(p.id) {
		return zero, transport.Unreachable(p.id, nil)
	}
	return resp, err
}

func (p *peer) Count(ctx context.Context, req *transport.CountRequest) (*transport.CountResponse, error) {
	return call(ctx, p, req, transport.Handler.Count)
}

func (p *peer) Put(ctx context.Context, req *transport.PutRequest) (*transport.PutResponse, error) {
	return call(ctx, p, req, transport.Handler.Put)
}

func (p *peer) Get(ctx context.Context, req *transport.GetRequest) (*transport.GetResponse, error) {
	return call(ctx, p, req, transport.Handler.Get)
}

func (p *peer) Remove(ctx context.Context, req *transport.RemoveRequest) (*transport.RemoveResponse, error) {
	return call(ctx, p, req, transport.Handler.Remove)
}
