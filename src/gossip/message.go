package gossip

import (
	"bytes"
	"strconv"

	"github.com/ugorji/go/codec"

	"github.com/meshnetworks/meshdag/src/common"
	"github.com/meshnetworks/meshdag/src/crypto"
)

// MessageType determines how a message is dispatched by the protocol.
type MessageType int

const (
	// Block carries a marshaled ledger node.
	Block MessageType = iota
	// Transaction carries an application transaction.
	Transaction
	// PeerDiscovery announces peers.
	PeerDiscovery
	// SyncRequest asks a peer for tips or for specific blocks.
	SyncRequest
	// SyncResponse answers a SyncRequest.
	SyncResponse
	// FallbackRequest asks relay peers to re-deliver a cached message.
	FallbackRequest
	// FallbackResponse reports the outcome of a fallback delivery.
	FallbackResponse
	// Ack acknowledges receipt of a message.
	Ack
)

// String implements the Stringer interface.
func (t MessageType) String() string {
	switch t {
	case Block:
		return "block"
	case Transaction:
		return "transaction"
	case PeerDiscovery:
		return "peer_discovery"
	case SyncRequest:
		return "sync_request"
	case SyncResponse:
		return "sync_response"
	case FallbackRequest:
		return "fallback_request"
	case FallbackResponse:
		return "fallback_response"
	case Ack:
		return "ack"
	default:
		return "unknown"
	}
}

// Message is the wire unit of the protocol. The MessageID is a pure function
// of the payload, timestamp and sender, which is what makes deduplication
// possible across relay hops.
type Message struct {
	Type      MessageType
	Payload   []byte
	Sender    string
	Timestamp int64 //creation time, Unix nanoseconds
	MessageID string
	TTL       int //remaining hop budget
	Signature string
}

// NewMessage instantiates a Message and computes its deterministic id.
func NewMessage(msgType MessageType, payload []byte, sender string, timestamp int64, ttl int) *Message {
	return &Message{
		Type:      msgType,
		Payload:   payload,
		Sender:    sender,
		Timestamp: timestamp,
		MessageID: messageID(payload, timestamp, sender),
		TTL:       ttl,
	}
}

func messageID(payload []byte, timestamp int64, sender string) string {
	material := append([]byte{}, payload...)
	material = append(material, []byte(strconv.FormatInt(timestamp, 10))...)
	material = append(material, []byte(sender)...)

	return common.EncodeToString(crypto.SHA256(material))
}

// Marshal returns the canonical JSON encoding of the message.
func (m *Message) Marshal() ([]byte, error) {
	return canonicalEncode(m)
}

// Unmarshal decodes a wire representation produced by Marshal.
func (m *Message) Unmarshal(data []byte) error {
	return canonicalDecode(data, m)
}

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

func canonicalDecode(data []byte, v interface{}) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	dec := codec.NewDecoder(b, jh)
	return dec.Decode(v)
}
