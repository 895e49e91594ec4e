package peers

import (
	"github.com/meshnetworks/meshdag/src/common"
)

// Peer is a participant of the gossip network. Fallback marks peers that
// accept fallback-delivery requests on behalf of unreachable peers.
type Peer struct {
	NetAddr   string `json:"NetAddr"`
	PubKeyHex string `json:"PubKeyHex"`
	Moniker   string `json:"Moniker"`
	Fallback  bool   `json:"Fallback,omitempty"`

	id uint32
}

// NewPeer instantiates a new Peer
func NewPeer(pubKeyHex, netAddr, moniker string) *Peer {
	peer := &Peer{
		PubKeyHex: pubKeyHex,
		NetAddr:   netAddr,
		Moniker:   moniker,
	}

	return peer
}

// ID returns a compact identifier derived from the peer's public key. It is
// computed lazily and memoized.
func (p *Peer) ID() uint32 {
	if p.id == 0 {
		pubKeyBytes, err := p.PubKeyBytes()
		if err != nil {
			return 0
		}
		p.id = common.Hash32(pubKeyBytes)
	}

	return p.id
}

// PubKeyString returns the upper-case version of PubKeyHex. It is used for
// indexing in maps with string keys.
func (p *Peer) PubKeyString() string {
	return p.PubKeyHex
}

// PubKeyBytes converts hex string representation of the public key to a byte
// slice.
func (p *Peer) PubKeyBytes() ([]byte, error) {
	return common.DecodeFromString(p.PubKeyHex)
}
