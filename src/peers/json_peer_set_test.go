package peers

import (
	"io/ioutil"
	"os"
	"reflect"
	"testing"

	"github.com/meshnetworks/meshdag/src/crypto/keys"
)

func TestJSONPeerSet(t *testing.T) {
	dir, err := ioutil.TempDir("", "peers")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	// Create the peers
	peerSlice := []*Peer{}
	for i := 0; i < 3; i++ {
		key, _ := keys.GenerateECDSAKey()
		peer := NewPeer(
			keys.PublicKeyHex(&key.PublicKey),
			"127.0.0.1:5000",
			"node")
		peer.Fallback = i == 2
		peerSlice = append(peerSlice, peer)
	}

	// reading the file back goes through NewPeerSet, which memoizes the
	// derived ids; do the same on the expected side before comparing
	peerSlice = NewPeerSet(peerSlice).Peers

	store := NewJSONPeerSet(dir)

	if err := store.Write(peerSlice); err != nil {
		t.Fatal(err)
	}

	peerSet, err := store.PeerSet()
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(peerSlice, peerSet.Peers) {
		t.Fatalf("peers read from file do not match.\ngot  %v\nwant %v", peerSet.Peers, peerSlice)
	}

	if got := len(peerSet.FallbackPeers()); got != 1 {
		t.Fatalf("expected 1 fallback peer, got %d", got)
	}
}

func TestPeerSetIndexes(t *testing.T) {
	key, _ := keys.GenerateECDSAKey()
	peer := NewPeer(keys.PublicKeyHex(&key.PublicKey), "127.0.0.1:1337", "alice")

	peerSet := NewPeerSet([]*Peer{peer})

	if peerSet.Len() != 1 {
		t.Fatalf("expected 1 peer, got %d", peerSet.Len())
	}

	if _, ok := peerSet.ByPubKey[peer.PubKeyString()]; !ok {
		t.Fatal("peer not indexed by public key")
	}

	if _, ok := peerSet.ByID[peer.ID()]; !ok {
		t.Fatal("peer not indexed by ID")
	}

	smaller := peerSet.WithRemovedPeer(peer)
	if smaller.Len() != 0 {
		t.Fatalf("expected empty set, got %d peers", smaller.Len())
	}
}
