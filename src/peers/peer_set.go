package peers

import (
	"sort"
)

// PeerSet is an immutable set of Peers indexed by public key and by ID.
type PeerSet struct {
	Peers    []*Peer          `json:"peers"`
	ByPubKey map[string]*Peer `json:"-"`
	ByID     map[uint32]*Peer `json:"-"`
}

/* Constructors */

// NewPeerSet creates a new PeerSet from a list of Peers.
func NewPeerSet(peers []*Peer) *PeerSet {
	peerSet := &PeerSet{
		ByPubKey: make(map[string]*Peer),
		ByID:     make(map[uint32]*Peer),
	}

	for _, peer := range peers {
		peerSet.ByPubKey[peer.PubKeyString()] = peer
		peerSet.ByID[peer.ID()] = peer
	}

	peerSet.Peers = peers

	return peerSet
}

// WithNewPeer returns a new PeerSet containing the additional peer.
func (peerSet *PeerSet) WithNewPeer(peer *Peer) *PeerSet {
	peers := peerSet.Peers

	//don't add it if it already exists
	if _, ok := peerSet.ByID[peer.ID()]; !ok {
		peers = append(peers, peer)
	}

	return NewPeerSet(peers)
}

// WithRemovedPeer returns a new PeerSet excluding the provided peer.
func (peerSet *PeerSet) WithRemovedPeer(peer *Peer) *PeerSet {
	peers := []*Peer{}
	for _, p := range peerSet.Peers {
		if p.PubKeyHex != peer.PubKeyHex {
			peers = append(peers, p)
		}
	}

	return NewPeerSet(peers)
}

/* Getters */

// NetAddrs returns the sorted network addresses of all peers in the set.
func (peerSet *PeerSet) NetAddrs() []string {
	res := []string{}

	for _, peer := range peerSet.Peers {
		res = append(res, peer.NetAddr)
	}

	sort.Strings(res)

	return res
}

// FallbackPeers returns the subset of peers designated as fallback relays.
func (peerSet *PeerSet) FallbackPeers() []*Peer {
	res := []*Peer{}

	for _, peer := range peerSet.Peers {
		if peer.Fallback {
			res = append(res, peer)
		}
	}

	return res
}

// ExcludeNetAddr returns a new PeerSet excluding the peer with the given
// network address.
func (peerSet *PeerSet) ExcludeNetAddr(netAddr string) *PeerSet {
	peers := []*Peer{}
	for _, p := range peerSet.Peers {
		if p.NetAddr != netAddr {
			peers = append(peers, p)
		}
	}

	return NewPeerSet(peers)
}

// Len returns the number of peers in the set.
func (peerSet *PeerSet) Len() int {
	return len(peerSet.ByPubKey)
}
