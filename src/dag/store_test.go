package dag

import (
	"io/ioutil"
	"os"
	"testing"
	"time"
)

func TestInmemStoreTopologicalOrder(t *testing.T) {
	key := testKey(t)
	store := NewInmemStore()

	base := time.Now().UnixNano()

	a := newSignedNode(t, key, []string{}, base, []byte("a"))
	b := newSignedNode(t, key, []string{a.ID}, base+1, []byte("b"))
	c := newSignedNode(t, key, []string{b.ID}, base+2, []byte("c"))

	for _, n := range []*Node{a, b, c} {
		if err := store.SetNode(n); err != nil {
			t.Fatal(err)
		}
	}

	if store.Len() != 3 {
		t.Fatalf("store length: got %d, want 3", store.Len())
	}

	nodes, err := store.TopologicalNodes()
	if err != nil {
		t.Fatal(err)
	}
	for i, want := range []*Node{a, b, c} {
		if nodes[i].ID != want.ID {
			t.Fatalf("topological order broken at %d: got %s, want %s", i, nodes[i].ID, want.ID)
		}
	}

	if _, err := store.GetNode("unknown"); !IsValidation(err, NodeNotFound) {
		t.Fatalf("expected NodeNotFound, got %v", err)
	}
}

func TestBadgerStoreReload(t *testing.T) {
	dir, err := ioutil.TempDir("", "badger")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	key := testKey(t)
	base := time.Now().UnixNano()

	a := newSignedNode(t, key, []string{}, base, []byte("a"))
	b := newSignedNode(t, key, []string{a.ID}, base+1, []byte("b"))

	store, err := NewBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}

	for _, n := range []*Node{a, b} {
		if err := store.SetNode(n); err != nil {
			t.Fatal(err)
		}
	}

	if err := store.Close(); err != nil {
		t.Fatal(err)
	}

	reloaded, err := LoadBadgerStore(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer reloaded.Close()

	if reloaded.Len() != 2 {
		t.Fatalf("reloaded length: got %d, want 2", reloaded.Len())
	}

	nodes, err := reloaded.TopologicalNodes()
	if err != nil {
		t.Fatal(err)
	}
	if nodes[0].ID != a.ID || nodes[1].ID != b.ID {
		t.Fatal("reloaded store lost topological order")
	}

	got, err := reloaded.GetNode(b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Signature != b.Signature {
		t.Fatal("reloaded node lost its signature")
	}
	ok, err := got.Verify()
	if err != nil || !ok {
		t.Fatal("reloaded node's signature should verify")
	}
}
