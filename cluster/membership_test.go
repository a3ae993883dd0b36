package cluster

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/IvanBrykalov/shardgrid/affinity"
)

func TestMembership_JoinLeaveVersions(t *testing.T) {
	t.Parallel()

	m := NewMembership(nil)
	assert.Equal(t, affinity.Version(0), m.View().Version)

	v := m.Join(Member{ID: "b", Addr: "b:1"}, Member{ID: "a", Addr: "a:1"})
	assert.Equal(t, affinity.Version(1), v.Version)
	assert.Equal(t, []affinity.NodeID{"a", "b"}, v.IDs())
	assert.True(t, v.Has("a"))
	assert.False(t, v.Has("c"))

	addr, ok := v.Addr("b")
	assert.True(t, ok)
	assert.Equal(t, "b:1", addr)

	v = m.Leave("a")
	assert.Equal(t, affinity.Version(2), v.Version)
	assert.Equal(t, []affinity.NodeID{"b"}, v.IDs())
}

func TestMembership_ApplyIgnoresOlderVersions(t *testing.T) {
	t.Parallel()

	m := NewMembership(nil)
	_, ok := m.Apply(10, []Member{{ID: "x"}, {ID: "x", Addr: "late"}, {ID: ""}})
	require.True(t, ok)

	v, ok := m.Apply(10, []Member{{ID: "y"}})
	assert.False(t, ok)
	assert.Equal(t, []Member{{ID: "x", Addr: "late"}}, v.Members)

	_, ok = m.Apply(9, nil)
	assert.False(t, ok)
}

func TestMembership_SubscribeAndDiff(t *testing.T) {
	t.Parallel()

	m := NewMembership(nil)
	m.Join(Member{ID: "a"}, Member{ID: "b"})

	var seen []View
	cancel := m.Subscribe(func(v View) { seen = append(seen, v) })
	require.Len(t, seen, 1, "subscriber gets the current view")

	m.Join(Member{ID: "c"})
	m.Leave("a")
	cancel()
	m.Leave("b")

	require.Len(t, seen, 3)
	joined, left := Diff(seen[0], seen[2])
	assert.True(t, joined.Equal(View{Members: []Member{{ID: "c"}}}.Set()))
	assert.ElementsMatch(t, []affinity.NodeID{"a"}, left.ToSlice())
}

func TestMembership_ConcurrentJoinsAreSerialized(t *testing.T) {
	t.Parallel()

	m := NewMembership(nil)
	var (
		mu      sync.Mutex
		highest affinity.Version
	)
	m.Subscribe(func(v View) {
		mu.Lock()
		if v.Version > highest {
			highest = v.Version
		}
		mu.Unlock()
	})

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		id := affinity.NodeID(string(rune('A' + i)))
		g.Go(func() error {
			m.Join(Member{ID: id})
			return nil
		})
	}
	require.NoError(t, g.Wait())

	v := m.View()
	assert.Equal(t, affinity.Version(32), v.Version)
	assert.Len(t, v.Members, 32)
	assert.Equal(t, affinity.Version(32), highest)
}
