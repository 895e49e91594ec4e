package dag

import (
	"bytes"
	"crypto/ecdsa"
	"sort"

	"github.com/ugorji/go/codec"

	"github.com/meshnetworks/meshdag/src/common"
	"github.com/meshnetworks/meshdag/src/crypto"
	"github.com/meshnetworks/meshdag/src/crypto/keys"
)

// NodeType distinguishes the kinds of entries the ledger accepts. The payload
// schema behind each type is owned by the external producer; the DAG treats
// Data as an opaque blob.
type NodeType uint8

const (
	// Block is a regular ledger entry.
	Block NodeType = iota
	// Checkpoint marks an agreed cut of the graph.
	Checkpoint
	// Merge joins multiple tips back into a single frontier.
	Merge
)

// String implements the Stringer interface.
func (t NodeType) String() string {
	switch t {
	case Block:
		return "block"
	case Checkpoint:
		return "checkpoint"
	case Merge:
		return "merge"
	default:
		return "unknown"
	}
}

// Node is the fundamental unit of the DAG. Its id is derived from its
// content, and its signature covers the canonical encoding of
// {node_id, node_type, sorted(parents), timestamp, data}. The derived height
// and weight are computed locally when the node is accepted and are not part
// of the wire representation.
type Node struct {
	ID        string
	Type      NodeType
	Parents   []string
	Timestamp int64 //creation time, Unix nanoseconds
	Data      []byte
	Creator   []byte //creator's public key, uncompressed
	Signature string //creator's digital signature of the signing bytes

	//These fields are computed at insertion and not serialized
	height int
	weight float64
}

// signingBody is the canonical signing structure. Parents are sorted, so the
// signature is independent of the parent order chosen by the producer.
type signingBody struct {
	NodeID    string
	NodeType  string
	Parents   []string
	Timestamp int64
	Data      []byte
}

// idBody is the structure from which the content-derived node id is computed.
type idBody struct {
	NodeType  string
	Parents   []string
	Timestamp int64
	Data      []byte
	Creator   []byte
}

// NewNode instantiates a Node and computes its content-derived id. The
// timestamp is expressed in Unix nanoseconds.
func NewNode(nodeType NodeType, parents []string, timestamp int64, data []byte, creator []byte) *Node {
	node := &Node{
		Type:      nodeType,
		Parents:   parents,
		Timestamp: timestamp,
		Data:      data,
		Creator:   creator,
	}

	node.ID = node.computeID()

	return node
}

func (n *Node) computeID() string {
	raw, err := canonicalEncode(idBody{
		NodeType:  n.Type.String(),
		Parents:   sortedParents(n.Parents),
		Timestamp: n.Timestamp,
		Data:      n.Data,
		Creator:   n.Creator,
	})
	if err != nil {
		return ""
	}

	return common.EncodeToString(crypto.SHA256(raw))
}

// SigningBytes returns the canonical encoding that the node's signature
// covers.
func (n *Node) SigningBytes() ([]byte, error) {
	return canonicalEncode(signingBody{
		NodeID:    n.ID,
		NodeType:  n.Type.String(),
		Parents:   sortedParents(n.Parents),
		Timestamp: n.Timestamp,
		Data:      n.Data,
	})
}

// Sign signs the SHA256 hash of the node's signing bytes with an ecdsa key.
func (n *Node) Sign(privKey *ecdsa.PrivateKey) error {
	signBytes, err := n.SigningBytes()
	if err != nil {
		return err
	}

	R, S, err := keys.Sign(privKey, crypto.SHA256(signBytes))
	if err != nil {
		return err
	}

	n.Signature = keys.EncodeSignature(R, S)

	return nil
}

// Verify verifies the node's signature against the public key embedded in the
// Creator field.
func (n *Node) Verify() (bool, error) {
	pubKey := keys.ToPublicKey(n.Creator)

	signBytes, err := n.SigningBytes()
	if err != nil {
		return false, err
	}

	r, s, err := keys.DecodeSignature(n.Signature)
	if err != nil {
		return false, err
	}

	return keys.Verify(pubKey, crypto.SHA256(signBytes), r, s), nil
}

// Height returns the node's height: 0 for roots, otherwise 1 + the maximum
// parent height. It is only meaningful after the node has been accepted.
func (n *Node) Height() int {
	return n.height
}

// Weight returns the node's cumulative weight: 1.0 for roots, otherwise
// 1.0 + the average parent weight.
func (n *Node) Weight() float64 {
	return n.weight
}

// IsRoot returns true if the node declares no parents.
func (n *Node) IsRoot() bool {
	return len(n.Parents) == 0
}

// Marshal returns the canonical JSON encoding of the node's wire fields.
func (n *Node) Marshal() ([]byte, error) {
	return canonicalEncode(n)
}

// Unmarshal decodes a wire representation produced by Marshal.
func (n *Node) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)
	return dec.Decode(n)
}

// canonicalEncode returns the canonical JSON encoding of v. Canonical mode
// sorts map keys, so identical inputs always produce identical bytes.
func canonicalEncode(v interface{}) ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

func sortedParents(parents []string) []string {
	sorted := append([]string{}, parents...)
	sort.Strings(sorted)
	return sorted
}
