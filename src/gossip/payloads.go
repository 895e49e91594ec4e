package gossip

// Sub-types of SyncRequest messages.
const (
	// GetTips asks a peer to report its current frontier.
	GetTips = "get_tips"
	// GetBlocks asks a peer for specific blocks and their ancestor closures.
	GetBlocks = "get_blocks"
)

// SyncRequestPayload is carried by SyncRequest messages.
type SyncRequestPayload struct {
	RequestType   string
	MissingBlocks []string
	SessionID     string
	Retry         int
}

// Marshal returns the canonical JSON encoding of the payload.
func (p *SyncRequestPayload) Marshal() ([]byte, error) {
	return canonicalEncode(p)
}

// Unmarshal decodes a wire representation produced by Marshal.
func (p *SyncRequestPayload) Unmarshal(data []byte) error {
	return canonicalDecode(data, p)
}

// SyncResponsePayload is carried by SyncResponse messages. RequestID is the
// MessageID of the SyncRequest being answered; Blocks maps block ids to their
// marshaled wire representation.
type SyncResponsePayload struct {
	RequestID string
	SessionID string
	Blocks    map[string][]byte
}

// Marshal returns the canonical JSON encoding of the payload.
func (p *SyncResponsePayload) Marshal() ([]byte, error) {
	return canonicalEncode(p)
}

// Unmarshal decodes a wire representation produced by Marshal.
func (p *SyncResponsePayload) Unmarshal(data []byte) error {
	return canonicalDecode(data, p)
}

// FallbackRequestPayload is carried by FallbackRequest messages. It references
// a previously broadcast message and the peer that could not be reached.
type FallbackRequestPayload struct {
	OriginalMessageID string
	FailedPeer        string
	RetryCount        int
}

// Marshal returns the canonical JSON encoding of the payload.
func (p *FallbackRequestPayload) Marshal() ([]byte, error) {
	return canonicalEncode(p)
}

// Unmarshal decodes a wire representation produced by Marshal.
func (p *FallbackRequestPayload) Unmarshal(data []byte) error {
	return canonicalDecode(data, p)
}

// AckPayload is carried by Ack messages. SessionID and ReceivedBlocks are only
// set on sync-session completion acks.
type AckPayload struct {
	OriginalMessageID string
	SessionID         string
	ReceivedBlocks    []string
}

// Marshal returns the canonical JSON encoding of the payload.
func (p *AckPayload) Marshal() ([]byte, error) {
	return canonicalEncode(p)
}

// Unmarshal decodes a wire representation produced by Marshal.
func (p *AckPayload) Unmarshal(data []byte) error {
	return canonicalDecode(data, p)
}
