package dag

import (
	"crypto/ecdsa"
	"reflect"
	"testing"
	"time"

	"github.com/meshnetworks/meshdag/src/common"
)

func newTestManager(t *testing.T, key *ecdsa.PrivateKey) *Manager {
	return NewManager(key, NewInmemStore(), common.NewTestEntry(t, common.TestLogLevel))
}

// ts returns a timestamp inside the tolerance window, offset from now so that
// parents strictly precede children.
func ts(offset time.Duration) int64 {
	return time.Now().Add(-time.Minute + offset).UnixNano()
}

func TestAddNodeScenario(t *testing.T) {
	key := testKey(t)
	m := newTestManager(t, key)

	root := newSignedNode(t, key, []string{}, ts(0), []byte("root"))
	if err := m.AddNode(root, true); err != nil {
		t.Fatal(err)
	}
	if root.Height() != 0 {
		t.Fatalf("root height: got %d, want 0", root.Height())
	}
	if root.Weight() != 1.0 {
		t.Fatalf("root weight: got %f, want 1.0", root.Weight())
	}

	c1 := newSignedNode(t, key, []string{root.ID}, ts(time.Second), []byte("c1"))
	if err := m.AddNode(c1, true); err != nil {
		t.Fatal(err)
	}
	if c1.Height() != 1 {
		t.Fatalf("c1 height: got %d, want 1", c1.Height())
	}
	if c1.Weight() != 2.0 {
		t.Fatalf("c1 weight: got %f, want 2.0", c1.Weight())
	}

	// re-inserting c1 is rejected and leaves derived structures unchanged
	tipsBefore := m.TipIDs()
	forksBefore := m.ForkPoints()
	statsBefore := m.Stats()

	if err := m.AddNode(c1, true); !IsValidation(err, DuplicateNode) {
		t.Fatalf("expected DuplicateNode, got %v", err)
	}

	if !reflect.DeepEqual(m.TipIDs(), tipsBefore) {
		t.Fatal("tips changed after rejected duplicate")
	}
	if !reflect.DeepEqual(m.ForkPoints(), forksBefore) {
		t.Fatal("fork points changed after rejected duplicate")
	}
	if !reflect.DeepEqual(m.Stats(), statsBefore) {
		t.Fatal("stats changed after rejected duplicate")
	}

	// a second child of root creates a fork point recording only the new child
	c2 := newSignedNode(t, key, []string{root.ID}, ts(2*time.Second), []byte("c2"))
	if err := m.AddNode(c2, true); err != nil {
		t.Fatal(err)
	}
	if c2.Height() != 1 {
		t.Fatalf("c2 height: got %d, want 1", c2.Height())
	}

	forks := m.ForkPoints()
	if !reflect.DeepEqual(forks[root.ID], []string{c2.ID}) {
		t.Fatalf("fork points under root: got %v, want [%s]", forks[root.ID], c2.ID)
	}

	g := newSignedNode(t, key, []string{c1.ID}, ts(3*time.Second), []byte("g"))
	if err := m.AddNode(g, true); err != nil {
		t.Fatal(err)
	}
	if g.Height() != 2 {
		t.Fatalf("g height: got %d, want 2", g.Height())
	}

	ancestor, err := m.CommonAncestor(c1.ID, c2.ID)
	if err != nil {
		t.Fatal(err)
	}
	if ancestor != root.ID {
		t.Fatalf("common ancestor: got %s, want %s", ancestor, root.ID)
	}

	// tips are the childless nodes
	wantTips := map[string]bool{c2.ID: true, g.ID: true}
	for _, tip := range m.TipIDs() {
		if !wantTips[tip] {
			t.Fatalf("unexpected tip %s", tip)
		}
		delete(wantTips, tip)
	}
	if len(wantTips) != 0 {
		t.Fatalf("missing tips: %v", wantTips)
	}
}

func TestAddNodeMissingParent(t *testing.T) {
	key := testKey(t)
	m := newTestManager(t, key)

	node := newSignedNode(t, key, []string{"0XDEADBEEF"}, ts(0), []byte("orphan"))

	if err := m.AddNode(node, true); !IsValidation(err, MissingParent) {
		t.Fatalf("expected MissingParent, got %v", err)
	}

	if m.Size() != 0 {
		t.Fatal("rejected node must not be committed")
	}

	// the rejection is independent of signature validity
	unsigned := NewNode(Block, []string{"0XDEADBEEF"}, ts(0), []byte("orphan"), node.Creator)
	if err := m.AddNode(unsigned, true); !IsValidation(err, MissingParent) {
		t.Fatalf("expected MissingParent for unsigned node, got %v", err)
	}
}

func TestAddNodeSelfParent(t *testing.T) {
	key := testKey(t)
	m := newTestManager(t, key)

	node := newSignedNode(t, key, []string{}, ts(0), []byte("self"))
	node.Parents = []string{node.ID}

	if err := m.AddNode(node, true); !IsValidation(err, SelfParent) {
		t.Fatalf("expected SelfParent, got %v", err)
	}
}

func TestAddNodeStaleTimestamp(t *testing.T) {
	key := testKey(t)
	m := newTestManager(t, key)

	node := newSignedNode(t, key, []string{}, time.Now().Add(-10*time.Minute).UnixNano(), []byte("old"))

	if err := m.AddNode(node, true); !IsValidation(err, StaleTimestamp) {
		t.Fatalf("expected StaleTimestamp, got %v", err)
	}
}

func TestAddNodeBadAncestry(t *testing.T) {
	key := testKey(t)
	m := newTestManager(t, key)

	root := newSignedNode(t, key, []string{}, ts(time.Second), []byte("root"))
	if err := m.AddNode(root, true); err != nil {
		t.Fatal(err)
	}

	// child's timestamp does not strictly follow its parent's
	child := newSignedNode(t, key, []string{root.ID}, root.Timestamp, []byte("child"))
	if err := m.AddNode(child, true); !IsValidation(err, BadAncestry) {
		t.Fatalf("expected BadAncestry, got %v", err)
	}
}

func TestAddNodeBadSignature(t *testing.T) {
	key := testKey(t)
	m := newTestManager(t, key)

	missing := NewNode(Block, []string{}, ts(0), []byte("unsigned"), newSignedNode(t, key, nil, ts(0), nil).Creator)
	if err := m.AddNode(missing, true); !IsValidation(err, MissingSignature) {
		t.Fatalf("expected MissingSignature, got %v", err)
	}

	tampered := newSignedNode(t, key, []string{}, ts(0), []byte("payload"))
	tampered.Data = []byte("tampered")
	if err := m.AddNode(tampered, true); !IsValidation(err, BadSignature) {
		t.Fatalf("expected BadSignature, got %v", err)
	}
}

func TestHeightsInTopologicalOrder(t *testing.T) {
	key := testKey(t)
	m := newTestManager(t, key)

	root := newSignedNode(t, key, []string{}, ts(0), []byte("root"))
	if err := m.AddNode(root, true); err != nil {
		t.Fatal(err)
	}

	prev := root
	for i := 1; i <= 9; i++ {
		node := newSignedNode(t, key, []string{prev.ID}, ts(time.Duration(i)*time.Second), []byte{byte(i)})
		if err := m.AddNode(node, true); err != nil {
			t.Fatal(err)
		}
		if node.Height() != prev.Height()+1 {
			t.Fatalf("height of node %d: got %d, want %d", i, node.Height(), prev.Height()+1)
		}
		prev = node
	}

	path := m.PathToRoot(prev.ID)
	if len(path) != 10 {
		t.Fatalf("path to root: got %d entries, want 10", len(path))
	}
	if path[len(path)-1] != root.ID {
		t.Fatal("path should terminate at the root")
	}

	if !m.IsAncestor(root.ID, prev.ID) {
		t.Fatal("root should be an ancestor of the last node")
	}
	if m.IsAncestor(prev.ID, root.ID) {
		t.Fatal("the last node should not be an ancestor of the root")
	}
}

func TestAncestryOrdering(t *testing.T) {
	key := testKey(t)
	m := newTestManager(t, key)

	root := newSignedNode(t, key, []string{}, ts(0), []byte("root"))
	a := newSignedNode(t, key, []string{root.ID}, ts(time.Second), []byte("a"))
	b := newSignedNode(t, key, []string{root.ID}, ts(2*time.Second), []byte("b"))
	merge := newSignedNode(t, key, []string{a.ID, b.ID}, ts(3*time.Second), []byte("merge"))

	for _, n := range []*Node{root, a, b, merge} {
		if err := m.AddNode(n, true); err != nil {
			t.Fatal(err)
		}
	}

	ancestry, err := m.Ancestry(merge.ID)
	if err != nil {
		t.Fatal(err)
	}

	if len(ancestry) != 4 {
		t.Fatalf("ancestry size: got %d, want 4", len(ancestry))
	}
	if ancestry[0].ID != root.ID {
		t.Fatal("ancestry should start at the root")
	}
	if ancestry[3].ID != merge.ID {
		t.Fatal("ancestry should end at the requested node")
	}

	// heights never decrease
	for i := 1; i < len(ancestry); i++ {
		if ancestry[i].Height() < ancestry[i-1].Height() {
			t.Fatal("ancestry is not sorted by height")
		}
	}
}

func TestPruneOldNodes(t *testing.T) {
	key := testKey(t)
	m := newTestManager(t, key)

	root := newSignedNode(t, key, []string{}, ts(0), []byte("root"))
	a := newSignedNode(t, key, []string{root.ID}, ts(time.Second), []byte("a"))
	b := newSignedNode(t, key, []string{root.ID}, ts(2*time.Second), []byte("b"))
	c := newSignedNode(t, key, []string{b.ID}, ts(3*time.Second), []byte("c"))

	for _, n := range []*Node{root, a, b, c} {
		if err := m.AddNode(n, true); err != nil {
			t.Fatal(err)
		}
	}

	// b is the only expired node that is neither a tip nor a root
	removed := m.PruneOldNodes(time.Nanosecond)
	if removed != 1 {
		t.Fatalf("pruned: got %d, want 1", removed)
	}

	if m.Contains(b.ID) {
		t.Fatal("pruned node still in table")
	}

	for _, forks := range m.ForkPoints() {
		for _, id := range forks {
			if id == b.ID {
				t.Fatal("pruned node still referenced in a fork list")
			}
		}
	}

	// surviving ancestry queries still resolve
	if !m.IsAncestor(root.ID, a.ID) {
		t.Fatal("surviving ancestry query failed")
	}
	if len(m.PathToRoot(a.ID)) != 2 {
		t.Fatal("surviving path query failed")
	}
}

func TestBootstrap(t *testing.T) {
	key := testKey(t)
	store := NewInmemStore()

	m := NewManager(key, store, common.NewTestEntry(t, common.TestLogLevel))

	root := newSignedNode(t, key, []string{}, ts(0), []byte("root"))
	child := newSignedNode(t, key, []string{root.ID}, ts(time.Second), []byte("child"))

	for _, n := range []*Node{root, child} {
		if err := m.AddNode(n, true); err != nil {
			t.Fatal(err)
		}
	}

	// a fresh manager over the same store recovers the graph
	m2 := NewManager(key, store, common.NewTestEntry(t, common.TestLogLevel))
	if err := m2.Bootstrap(); err != nil {
		t.Fatal(err)
	}

	if m2.Size() != 2 {
		t.Fatalf("bootstrapped size: got %d, want 2", m2.Size())
	}

	recovered, err := m2.GetNode(child.ID)
	if err != nil {
		t.Fatal(err)
	}
	if recovered.Height() != 1 {
		t.Fatalf("recovered height: got %d, want 1", recovered.Height())
	}
}
