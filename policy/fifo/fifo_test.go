package fifo

import (
	"testing"

	"github.com/IvanBrykalov/shardgrid/policy"
)

type testNode struct{ k string }

func (n *testNode) Key() string    { return n.k }
func (n *testNode) Value() *string { return &n.k }

type hooks struct{ pushes, moves int }

func (h *hooks) MoveToFront(policy.Node[string, string]) { h.moves++ }
func (h *hooks) PushFront(policy.Node[string, string])   { h.pushes++ }
func (h *hooks) Remove(policy.Node[string, string])      {}
func (h *hooks) Back() policy.Node[string, string]       { return nil }
func (h *hooks) Len() int                                { return 0 }

func TestFIFO_ReadsDoNotReorder(t *testing.T) {
	t.Parallel()

	h := &hooks{}
	p := New[string, string]().New(h)
	n := &testNode{k: "a"}

	if v := p.OnAdd(n); v != nil {
		t.Fatalf("OnAdd returned victim %v", v)
	}
	p.OnGet(n)
	p.OnUpdate(n)
	p.OnRemove(n)

	if h.pushes != 1 || h.moves != 0 {
		t.Fatalf("push/move = %d/%d, want 1/0", h.pushes, h.moves)
	}
}
