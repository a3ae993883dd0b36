// Package cluster tracks which data nodes are alive and at which topology
// version the member set last changed.
package cluster

import (
	"slices"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/shardgrid/affinity"
)

// Member is one data node.
type Member struct {
	ID   affinity.NodeID
	Addr string
}

// View is an immutable membership snapshot. Members are sorted by ID.
type View struct {
	Version affinity.Version
	Members []Member
}

// IDs returns the member IDs in view order.
func (v View) IDs() []affinity.NodeID {
	ids := make([]affinity.NodeID, len(v.Members))
	for i, m := range v.Members {
		ids[i] = m.ID
	}
	return ids
}

// Set returns the member IDs as a set.
func (v View) Set() mapset.Set[affinity.NodeID] {
	return mapset.NewThreadUnsafeSet(v.IDs()...)
}

// Has reports whether id is a member.
func (v View) Has(id affinity.NodeID) bool {
	_, ok := slices.BinarySearchFunc(v.Members, id, func(m Member, id affinity.NodeID) int {
		switch {
		case m.ID < id:
			return -1
		case m.ID > id:
			return 1
		}
		return 0
	})
	return ok
}

// Addr returns the address of id, if it is a member.
func (v View) Addr(id affinity.NodeID) (string, bool) {
	for _, m := range v.Members {
		if m.ID == id {
			return m.Addr, true
		}
	}
	return "", false
}

// Diff lists the nodes that joined and left between two views.
func Diff(prev, next View) (joined, left mapset.Set[affinity.NodeID]) {
	a, b := prev.Set(), next.Set()
	return b.Difference(a), a.Difference(b)
}

// Listener observes membership changes. It is called outside the
// membership lock; a slow listener delays later notifications.
type Listener func(View)

// Membership is a versioned member list. Versions only move forward.
type Membership struct {
	mu        sync.Mutex
	view      View
	listeners map[int]Listener
	nextID    int
	log       *zap.Logger
}

// NewMembership returns an empty membership at version 0.
func NewMembership(log *zap.Logger) *Membership {
	if log == nil {
		log = zap.NewNop()
	}
	return &Membership{listeners: make(map[int]Listener), log: log}
}

// View returns the current snapshot.
func (m *Membership) View() View {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.view
}

// Join adds members (or updates their address) under the next version.
func (m *Membership) Join(members ...Member) View {
	return m.mutate(func(cur map[affinity.NodeID]Member) {
		for _, mb := range members {
			cur[mb.ID] = mb
		}
	})
}

// Leave removes members under the next version.
func (m *Membership) Leave(ids ...affinity.NodeID) View {
	return m.mutate(func(cur map[affinity.NodeID]Member) {
		for _, id := range ids {
			delete(cur, id)
		}
	})
}

// Apply replaces the member set at an externally assigned version, e.g. a
// store revision. Versions not newer than the current one are ignored and
// reported with ok == false.
func (m *Membership) Apply(version affinity.Version, members []Member) (View, bool) {
	m.mu.Lock()
	if version <= m.view.Version {
		v := m.view
		m.mu.Unlock()
		return v, false
	}
	next := View{Version: version, Members: normalize(members)}
	m.view = next
	ls := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.notify(next, ls)
	return next, true
}

// Subscribe registers l and immediately calls it with the current view when
// at least one change has happened. The returned func unsubscribes.
func (m *Membership) Subscribe(l Listener) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	cur := m.view
	m.mu.Unlock()

	if cur.Version > 0 {
		l(cur)
	}
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Membership) mutate(fn func(map[affinity.NodeID]Member)) View {
	m.mu.Lock()
	cur := make(map[affinity.NodeID]Member, len(m.view.Members))
	for _, mb := range m.view.Members {
		cur[mb.ID] = mb
	}
	fn(cur)
	members := make([]Member, 0, len(cur))
	for _, mb := range cur {
		members = append(members, mb)
	}
	next := View{Version: m.view.Version + 1, Members: normalize(members)}
	m.view = next
	ls := m.snapshotListenersLocked()
	m.mu.Unlock()

	m.notify(next, ls)
	return next
}

func (m *Membership) snapshotListenersLocked() []Listener {
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ls := make([]Listener, len(ids))
	for i, id := range ids {
		ls[i] = m.listeners[id]
	}
	return ls
}

func (m *Membership) notify(v View, ls []Listener) {
	m.log.Debug("membership changed",
		zap.Uint64("version", uint64(v.Version)),
		zap.Int("members", len(v.Members)))
	for _, l := range ls {
		l(v)
	}
}

// normalize dedupes by ID (last wins) and sorts.
func normalize(members []Member) []Member {
	byID := make(map[affinity.NodeID]Member, len(members))
	for _, mb := range members {
		if mb.ID == "" {
			continue
		}
		byID[mb.ID] = mb
	}
	out := make([]Member, 0, len(byID))
	for _, mb := range byID {
		out = append(out, mb)
	}
	slices.SortFunc(out, func(a, b Member) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
