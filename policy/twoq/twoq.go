// Package twoq implements 2Q ordering for tier lists. It keeps one-hit
// copies in a probation queue so a scan over cold keys demotes those first
// instead of pushing hot copies out of the on-heap tier.
package twoq

import (
	"container/list"

	"github.com/IvanBrykalov/shardgrid/policy"
)

// twoQ tracks two resident queues over a single tier list:
//
//	probation (A1in) - first-time admissions, indexed by node
//	protected (Am)   - everything else; ordering is driven by the list hooks
//
// ghosts (A1out) remembers keys recently demoted from probation so that a
// re-admission skips probation.
type twoQ[K comparable, V any] struct {
	h policy.Hooks[K, V]

	probationCap int
	ghostCap     int

	probation *list.List // MRU at Front()
	inProb    map[policy.Node[K, V]]*list.Element

	ghosts  *list.List // keys only, MRU at Front()
	ghostAt map[K]*list.Element
}

// New constructs a 2Q policy factory. Sizes are per tier list, so callers
// derive them from the per-partition capacity.
func New[K comparable, V any](probationCap, ghostCap int) policy.Policy[K, V] {
	return twoQPolicy[K, V]{
		probationCap: max(probationCap, 1),
		ghostCap:     max(ghostCap, 1),
	}
}

type twoQPolicy[K comparable, V any] struct {
	probationCap int
	ghostCap     int
}

func (p twoQPolicy[K, V]) New(h policy.Hooks[K, V]) policy.ListPolicy[K, V] {
	return &twoQ[K, V]{
		h:            h,
		probationCap: p.probationCap,
		ghostCap:     p.ghostCap,
		probation:    list.New(),
		inProb:       make(map[policy.Node[K, V]]*list.Element),
		ghosts:       list.New(),
		ghostAt:      make(map[K]*list.Element),
	}
}

// OnAdd admits a ghost key straight into the protected queue. Any other key
// enters probation; when probation overflows its oldest copy is the victim.
func (q *twoQ[K, V]) OnAdd(n policy.Node[K, V]) (victim policy.Node[K, V]) {
	k := n.Key()
	if g, ok := q.ghostAt[k]; ok {
		q.ghosts.Remove(g)
		delete(q.ghostAt, k)
		q.h.PushFront(n)
		return nil
	}

	q.h.PushFront(n)
	q.inProb[n] = q.probation.PushFront(n)

	if q.probation.Len() > q.probationCap {
		if back := q.probation.Back(); back != nil {
			return back.Value.(policy.Node[K, V])
		}
	}
	return nil
}

// OnGet graduates a probation copy to the protected queue.
func (q *twoQ[K, V]) OnGet(n policy.Node[K, V]) {
	if el, ok := q.inProb[n]; ok {
		q.probation.Remove(el)
		delete(q.inProb, n)
	}
	q.h.MoveToFront(n)
}

func (q *twoQ[K, V]) OnUpdate(n policy.Node[K, V]) { q.OnGet(n) }

// OnRemove turns a departing probation copy into a ghost.
// Departures from the protected queue leave no trace.
func (q *twoQ[K, V]) OnRemove(n policy.Node[K, V]) {
	el, ok := q.inProb[n]
	if !ok {
		return
	}
	q.probation.Remove(el)
	delete(q.inProb, n)

	k := n.Key()
	if old := q.ghostAt[k]; old != nil {
		q.ghosts.Remove(old)
	}
	q.ghostAt[k] = q.ghosts.PushFront(k)

	for q.ghosts.Len() > q.ghostCap {
		tail := q.ghosts.Back()
		delete(q.ghostAt, tail.Value.(K))
		q.ghosts.Remove(tail)
	}
}
