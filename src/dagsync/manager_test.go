package dagsync

import (
	"crypto/ecdsa"
	"fmt"
	"testing"
	"time"

	"github.com/meshnetworks/meshdag/src/common"
	"github.com/meshnetworks/meshdag/src/crypto/keys"
	"github.com/meshnetworks/meshdag/src/dag"
	"github.com/meshnetworks/meshdag/src/gossip"
	"github.com/meshnetworks/meshdag/src/net"
	"github.com/meshnetworks/meshdag/src/peers"
)

func testConfig() *Config {
	return &Config{
		SettleDelay:     300 * time.Millisecond,
		SessionTimeout:  200 * time.Millisecond,
		MaxRetries:      1,
		MonitorInterval: 50 * time.Millisecond,
		SyncInterval:    1 * time.Hour,
	}
}

// dagProvider serves a DAG's blocks to the gossip layer.
type dagProvider struct {
	d *dag.Manager
}

func (p *dagProvider) TipBlocks() map[string][]byte {
	res := map[string][]byte{}
	for _, tip := range p.d.Tips() {
		raw, err := tip.Marshal()
		if err != nil {
			continue
		}
		res[tip.ID] = raw
	}
	return res
}

func (p *dagProvider) BlockWithAncestors(id string) map[string][]byte {
	res := map[string][]byte{}

	nodes, err := p.d.Ancestry(id)
	if err != nil {
		return res
	}

	for _, node := range nodes {
		raw, err := node.Marshal()
		if err != nil {
			continue
		}
		res[node.ID] = raw
	}
	return res
}

type syncPeer struct {
	addr  string
	trans *net.InmemTransport
	dag   *dag.Manager
	proto *gossip.Protocol
}

func newSyncPeer(t *testing.T, name string, key *ecdsa.PrivateKey) *syncPeer {
	addr, trans := net.NewInmemTransport(name)
	d := dag.NewManager(key, dag.NewInmemStore(), common.NewTestEntry(t, common.TestLogLevel))

	return &syncPeer{addr: addr, trans: trans, dag: d}
}

func (sp *syncPeer) start(t *testing.T, peerSet *peers.PeerSet, stopCh chan struct{}) {
	sp.proto = gossip.NewProtocol(gossip.DefaultConfig(), sp.trans, peerSet, common.NewTestEntry(t, common.TestLogLevel))
	sp.proto.RegisterBlockProvider(&dagProvider{sp.dag})

	go func() {
		for {
			select {
			case packet := <-sp.trans.Consumer():
				msg := new(gossip.Message)
				if err := msg.Unmarshal(packet.Payload); err != nil {
					continue
				}
				sp.proto.HandleMessage(msg, packet.From)
			case <-stopCh:
				return
			}
		}
	}()
}

func chainDAG(t *testing.T, d *dag.Manager, key *ecdsa.PrivateKey, length int) []*dag.Node {
	nodes := []*dag.Node{}
	base := time.Now().Add(-time.Minute)

	parents := []string{}
	for i := 0; i < length; i++ {
		node := dag.NewNode(dag.Block, parents, base.Add(time.Duration(i)*time.Second).UnixNano(),
			[]byte(fmt.Sprintf("block %d", i)), keys.FromPublicKey(&key.PublicKey))
		if err := node.Sign(key); err != nil {
			t.Fatal(err)
		}
		if err := d.AddNode(node, true); err != nil {
			t.Fatal(err)
		}
		nodes = append(nodes, node)
		parents = []string{node.ID}
	}

	return nodes
}

func TestSyncConvergence(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	a := newSyncPeer(t, "peerA", key)
	b := newSyncPeer(t, "peerB", key)

	chain := chainDAG(t, a.dag, key, 10)

	peerSet := peers.NewPeerSet([]*peers.Peer{
		peers.NewPeer("0X0A", a.addr, "a"),
		peers.NewPeer("0X0B", b.addr, "b"),
	})

	stopCh := make(chan struct{})
	defer close(stopCh)

	a.start(t, peerSet, stopCh)
	b.start(t, peerSet, stopCh)

	a.trans.Connect(b.addr, b.trans)
	b.trans.Connect(a.addr, a.trans)

	manager := NewManager(testConfig(), b.dag, b.proto, peerSet, common.NewTestEntry(t, common.TestLogLevel))

	if err := manager.SyncWithNetwork(); err != nil {
		t.Fatal(err)
	}

	// sessions resolve asynchronously as responses arrive
	deadline := time.Now().Add(5 * time.Second)
	for b.dag.Size() < len(chain) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	if b.dag.Size() != len(chain) {
		t.Fatalf("synced dag holds %d nodes, want %d", b.dag.Size(), len(chain))
	}

	for _, node := range chain {
		synced, err := b.dag.GetNode(node.ID)
		if err != nil {
			t.Fatalf("missing node %s after sync", node.ID)
		}
		if synced.Height() != node.Height() {
			t.Fatalf("height of %s: got %d, want %d", node.ID, synced.Height(), node.Height())
		}
	}

	for manager.State() != Idle && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if state := manager.State(); state != Idle {
		t.Fatalf("state after resolution: got %s, want Idle", state)
	}
}

func TestSyncWithNetworkNoGaps(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	a := newSyncPeer(t, "peerA", key)
	b := newSyncPeer(t, "peerB", key)

	// both peers hold the same chain
	chain := chainDAG(t, a.dag, key, 3)
	for _, node := range chain {
		copied := new(dag.Node)
		raw, err := node.Marshal()
		if err != nil {
			t.Fatal(err)
		}
		if err := copied.Unmarshal(raw); err != nil {
			t.Fatal(err)
		}
		if err := b.dag.AddNode(copied, true); err != nil {
			t.Fatal(err)
		}
	}

	peerSet := peers.NewPeerSet([]*peers.Peer{
		peers.NewPeer("0X0A", a.addr, "a"),
		peers.NewPeer("0X0B", b.addr, "b"),
	})

	stopCh := make(chan struct{})
	defer close(stopCh)

	a.start(t, peerSet, stopCh)
	b.start(t, peerSet, stopCh)

	a.trans.Connect(b.addr, b.trans)
	b.trans.Connect(a.addr, a.trans)

	manager := NewManager(testConfig(), b.dag, b.proto, peerSet, common.NewTestEntry(t, common.TestLogLevel))

	if err := manager.SyncWithNetwork(); err != nil {
		t.Fatal(err)
	}

	if state := manager.State(); state != Idle {
		t.Fatalf("state after gapless pass: got %s, want Idle", state)
	}
	if stats := manager.Stats(); stats["active_sessions"] != "0" {
		t.Fatalf("active sessions after gapless pass: got %s, want 0", stats["active_sessions"])
	}
}

func TestSyncPassExclusive(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	a := newSyncPeer(t, "peerA", key)

	peerSet := peers.NewPeerSet([]*peers.Peer{
		peers.NewPeer("0X0A", a.addr, "a"),
	})

	stopCh := make(chan struct{})
	defer close(stopCh)
	a.start(t, peerSet, stopCh)

	manager := NewManager(testConfig(), a.dag, a.proto, peerSet, common.NewTestEntry(t, common.TestLogLevel))

	errCh := make(chan error, 1)
	go func() {
		errCh <- manager.SyncWithNetwork()
	}()

	// the first pass sits in its settling delay; a second request is rejected
	time.Sleep(100 * time.Millisecond)
	if err := manager.SyncWithNetwork(); err != ErrSyncInProgress {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}

	if err := <-errCh; err != nil {
		t.Fatal(err)
	}
}

func TestSessionForceClose(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	a := newSyncPeer(t, "peerA", key)

	peerSet := peers.NewPeerSet([]*peers.Peer{
		peers.NewPeer("0X0A", a.addr, "a"),
	})

	stopCh := make(chan struct{})
	defer close(stopCh)
	a.start(t, peerSet, stopCh)

	config := testConfig()
	config.MaxRetries = 0

	manager := NewManager(config, a.dag, a.proto, peerSet, common.NewTestEntry(t, common.TestLogLevel))
	manager.setState(Validating)

	session := newSession("s1", "unreachable", []string{"0XMISSING"})
	session.LastActivity = time.Now().Add(-time.Second)

	manager.Lock()
	manager.sessions[session.ID] = session
	manager.Unlock()

	manager.expireSessions()

	manager.Lock()
	_, active := manager.sessions[session.ID]
	manager.Unlock()

	if active {
		t.Fatal("timed-out session should have been force-closed")
	}
	if state := manager.State(); state != Error {
		t.Fatalf("state after force-close with gaps: got %s, want Error", state)
	}

	// a new pass is allowed to start from the Error state
	if err := manager.SyncWithNetwork(); err != nil {
		t.Fatal(err)
	}
	if state := manager.State(); state != Idle {
		t.Fatalf("state after recovery pass: got %s, want Idle", state)
	}
}

func TestHandleSyncResponseUnknownSession(t *testing.T) {
	key, err := keys.GenerateECDSAKey()
	if err != nil {
		t.Fatal(err)
	}

	a := newSyncPeer(t, "peerA", key)

	peerSet := peers.NewPeerSet([]*peers.Peer{
		peers.NewPeer("0X0A", a.addr, "a"),
	})

	stopCh := make(chan struct{})
	defer close(stopCh)
	a.start(t, peerSet, stopCh)

	manager := NewManager(testConfig(), a.dag, a.proto, peerSet, common.NewTestEntry(t, common.TestLogLevel))

	// a response for a session that was never opened is dropped quietly
	manager.HandleSyncResponse(
		gossip.NewMessage(gossip.SyncResponse, nil, "peerX", time.Now().UnixNano(), 3),
		&gossip.SyncResponsePayload{SessionID: "ghost", Blocks: map[string][]byte{"0X01": []byte("x")}},
	)

	if a.dag.Size() != 0 {
		t.Fatal("unknown-session response must not mutate the dag")
	}
}
