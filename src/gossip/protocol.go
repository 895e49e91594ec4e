package gossip

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshnetworks/meshdag/src/net"
	"github.com/meshnetworks/meshdag/src/peers"
)

// Config holds the tunable parameters of the protocol.
type Config struct {
	// TTL is the hop budget stamped on new messages.
	TTL int

	// AckTimeout is how long Broadcast waits for acknowledgments before
	// invoking the fallback path for silent peers.
	AckTimeout time.Duration

	// AckMaxAge is the age beyond which the background monitor gives up on a
	// pending-ack set and triggers fallback delivery.
	AckMaxAge time.Duration

	// CacheMaxAge is the age beyond which seen-message and cache entries are
	// purged.
	CacheMaxAge time.Duration

	// CleanupInterval is the period of the cache-cleanup task.
	CleanupInterval time.Duration

	// MonitorInterval is the period of the pending-ack monitor.
	MonitorInterval time.Duration
}

// DefaultConfig returns the default protocol parameters.
func DefaultConfig() *Config {
	return &Config{
		TTL:             3,
		AckTimeout:      5 * time.Second,
		AckMaxAge:       30 * time.Second,
		CacheMaxAge:     1 * time.Hour,
		CleanupInterval: 5 * time.Minute,
		MonitorInterval: 1 * time.Second,
	}
}

// BlockProvider is the read surface the protocol uses to answer sync requests.
// Blocks are returned in their marshaled wire representation, keyed by id.
type BlockProvider interface {
	//TipBlocks returns the current frontier.
	TipBlocks() map[string][]byte

	//BlockWithAncestors returns the identified block together with its full
	//ancestor closure, so that a receiving peer can insert parents first.
	BlockWithAncestors(id string) map[string][]byte
}

// SyncHandler receives sync responses and session-completion acks routed by
// the protocol.
type SyncHandler interface {
	HandleSyncResponse(msg *Message, payload *SyncResponsePayload)
	HandleSessionAck(ack *AckPayload, sender string)
}

type pendingAck struct {
	created time.Time
	peers   map[string]bool
}

type cacheEntry struct {
	message *Message
	added   time.Time
}

// Protocol implements epidemic broadcast over an unreliable transport. Every
// broadcast is recorded in a read-through message cache; acknowledgments are
// tracked per message, and peers that fail to acknowledge have delivery
// retried through designated fallback relays.
type Protocol struct {
	sync.Mutex

	config *Config
	trans  net.Transport
	peers  *peers.PeerSet

	seen        map[string]time.Time
	cache       map[string]*cacheEntry
	pendingAcks map[string]*pendingAck

	provider    BlockProvider
	syncHandler SyncHandler
	blockSink   func(msg *Message)

	shutdownCh chan struct{}
	shutdownWg sync.WaitGroup

	logger *logrus.Entry
}

// NewProtocol instantiates a Protocol over the given transport and peer set.
func NewProtocol(config *Config, trans net.Transport, peerSet *peers.PeerSet, logger *logrus.Entry) *Protocol {
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	return &Protocol{
		config:      config,
		trans:       trans,
		peers:       peerSet,
		seen:        make(map[string]time.Time),
		cache:       make(map[string]*cacheEntry),
		pendingAcks: make(map[string]*pendingAck),
		shutdownCh:  make(chan struct{}),
		logger:      logger.WithField("component", "gossip"),
	}
}

// RegisterBlockProvider sets the provider used to answer sync requests.
func (p *Protocol) RegisterBlockProvider(provider BlockProvider) {
	p.provider = provider
}

// RegisterSyncHandler sets the handler that sync responses and session acks
// are routed to.
func (p *Protocol) RegisterSyncHandler(handler SyncHandler) {
	p.syncHandler = handler
}

// RegisterBlockSink sets the callback invoked with inbound Block and
// Transaction messages.
func (p *Protocol) RegisterBlockSink(sink func(msg *Message)) {
	p.blockSink = sink
}

// SetPeers replaces the peer set.
func (p *Protocol) SetPeers(peerSet *peers.PeerSet) {
	p.Lock()
	defer p.Unlock()

	p.peers = peerSet
}

// CreateMessage stamps the current time, computes the deterministic message id
// and sets the default TTL.
func (p *Protocol) CreateMessage(msgType MessageType, payload []byte) *Message {
	return NewMessage(msgType, payload, p.trans.LocalAddr(), time.Now().UnixNano(), p.config.TTL)
}

// LocalAddr returns the transport's local address, which is the sender
// stamped on messages created by this protocol instance.
func (p *Protocol) LocalAddr() string {
	return p.trans.LocalAddr()
}

// Send delivers a message directly to one peer, recording it in the seen set
// and cache so that relayed copies are deduplicated and fallback requests can
// be served.
func (p *Protocol) Send(target string, msg *Message) error {
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}

	p.Lock()
	now := time.Now()
	p.seen[msg.MessageID] = now
	p.cache[msg.MessageID] = &cacheEntry{message: msg, added: now}
	p.Unlock()

	return p.trans.Send(target, raw)
}

// Broadcast sends the message to every known peer concurrently. A per-peer
// send failure does not abort the others; for Block and Transaction messages
// it triggers the fallback path for that peer. With requireAck set, Broadcast
// then waits up to AckTimeout for every peer to acknowledge, and invokes the
// fallback path on behalf of the peers that never did.
func (p *Protocol) Broadcast(msg *Message, requireAck bool) error {
	raw, err := msg.Marshal()
	if err != nil {
		return err
	}

	p.Lock()
	targets := p.peers.ExcludeNetAddr(p.trans.LocalAddr()).NetAddrs()

	now := time.Now()
	p.seen[msg.MessageID] = now
	p.cache[msg.MessageID] = &cacheEntry{message: msg, added: now}

	if requireAck {
		pending := make(map[string]bool, len(targets))
		for _, target := range targets {
			pending[target] = true
		}
		p.pendingAcks[msg.MessageID] = &pendingAck{created: now, peers: pending}
	}
	p.Unlock()

	wg := sync.WaitGroup{}
	for _, target := range targets {
		wg.Add(1)
		go func(target string) {
			defer wg.Done()

			if err := p.trans.Send(target, raw); err != nil {
				p.logger.WithFields(logrus.Fields{
					"message": msg.MessageID,
					"target":  target,
				}).WithError(err).Warning("Direct delivery failed")

				if msg.Type == Block || msg.Type == Transaction {
					p.triggerFallback(msg.MessageID, target, 0)
				}
			}
		}(target)
	}
	wg.Wait()

	if requireAck {
		p.waitForAcks(msg)
	}

	return nil
}

// waitForAcks polls the message's pending-ack set until it drains or the ack
// timeout expires. Peers still pending at the deadline get one fallback
// attempt each; further recovery is left to the periodic sync pass.
func (p *Protocol) waitForAcks(msg *Message) {
	deadline := time.Now().Add(p.config.AckTimeout)

	for time.Now().Before(deadline) {
		p.Lock()
		pending, ok := p.pendingAcks[msg.MessageID]
		drained := !ok || len(pending.peers) == 0
		if drained {
			delete(p.pendingAcks, msg.MessageID)
		}
		p.Unlock()

		if drained {
			return
		}

		time.Sleep(100 * time.Millisecond)
	}

	p.Lock()
	pending, ok := p.pendingAcks[msg.MessageID]
	if !ok {
		p.Unlock()
		return
	}
	remaining := []string{}
	for peer := range pending.peers {
		remaining = append(remaining, peer)
	}
	delete(p.pendingAcks, msg.MessageID)
	p.Unlock()

	for _, peer := range remaining {
		p.logger.WithFields(logrus.Fields{
			"message": msg.MessageID,
			"peer":    peer,
		}).Warning("No acknowledgment before timeout")

		p.triggerFallback(msg.MessageID, peer, 0)
	}
}

// triggerFallback asks the designated fallback relays to re-attempt delivery
// of a cached message to a peer that could not be reached directly.
func (p *Protocol) triggerFallback(originalID, failedPeer string, retry int) {
	p.Lock()
	fallbacks := p.peers.FallbackPeers()
	p.Unlock()

	if len(fallbacks) == 0 {
		p.logger.WithField("message", originalID).Debug("No fallback peers registered")
		return
	}

	payload, err := (&FallbackRequestPayload{
		OriginalMessageID: originalID,
		FailedPeer:        failedPeer,
		RetryCount:        retry,
	}).Marshal()
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode fallback request")
		return
	}

	msg := p.CreateMessage(FallbackRequest, payload)
	raw, err := msg.Marshal()
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode fallback message")
		return
	}

	for _, fb := range fallbacks {
		if fb.NetAddr == failedPeer || fb.NetAddr == p.trans.LocalAddr() {
			continue
		}
		if err := p.trans.Send(fb.NetAddr, raw); err != nil {
			p.logger.WithFields(logrus.Fields{
				"message":  originalID,
				"fallback": fb.NetAddr,
			}).WithError(err).Warning("Fallback relay unreachable")
		}
	}
}

// HandleMessage processes an inbound message. Duplicates detected via the
// seen set are not re-processed or relayed, but are still acknowledged back
// to their sender; everything else is recorded, dispatched by type, and
// acknowledged. Acks themselves are not re-acknowledged.
func (p *Protocol) HandleMessage(msg *Message, from string) error {
	p.Lock()
	if _, ok := p.seen[msg.MessageID]; ok {
		p.Unlock()
		// a relayed copy can outrun the direct one; each copy's sender still
		// needs its ack or the originator waits out the full timeout
		if msg.Type != Ack {
			p.sendAck(msg.MessageID, from)
		}
		return nil
	}
	now := time.Now()
	p.seen[msg.MessageID] = now
	p.cache[msg.MessageID] = &cacheEntry{message: msg, added: now}
	p.Unlock()

	switch msg.Type {
	case SyncRequest:
		p.handleSyncRequest(msg, from)
	case SyncResponse:
		p.handleSyncResponse(msg)
	case FallbackRequest:
		p.handleFallbackRequest(msg)
	case Ack:
		p.handleAck(msg, from)
	case Block, Transaction:
		if p.blockSink != nil {
			p.blockSink(msg)
		}
		p.relay(msg)
	default:
		p.relay(msg)
	}

	if msg.Type != Ack {
		p.sendAck(msg.MessageID, from)
	}

	return nil
}

// relay continues the epidemic spread of a message while its hop budget
// lasts. The message id is preserved so downstream deduplication holds.
func (p *Protocol) relay(msg *Message) {
	if msg.TTL <= 0 {
		return
	}

	forward := *msg
	forward.TTL--

	if err := p.Broadcast(&forward, false); err != nil {
		p.logger.WithField("message", msg.MessageID).WithError(err).Warning("Relay failed")
	}
}

func (p *Protocol) sendAck(originalID, target string) {
	payload, err := (&AckPayload{OriginalMessageID: originalID}).Marshal()
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode ack")
		return
	}

	ack := p.CreateMessage(Ack, payload)
	raw, err := ack.Marshal()
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode ack message")
		return
	}

	if err := p.trans.Send(target, raw); err != nil {
		p.logger.WithField("target", target).WithError(err).Debug("Ack delivery failed")
	}
}

func (p *Protocol) handleSyncRequest(msg *Message, from string) {
	if p.provider == nil {
		return
	}

	req := new(SyncRequestPayload)
	if err := req.Unmarshal(msg.Payload); err != nil {
		p.logger.WithError(err).Warning("Malformed sync request")
		return
	}

	var blocks map[string][]byte

	switch req.RequestType {
	case GetTips:
		blocks = p.provider.TipBlocks()
	case GetBlocks:
		blocks = make(map[string][]byte)
		for _, id := range req.MissingBlocks {
			for blockID, raw := range p.provider.BlockWithAncestors(id) {
				blocks[blockID] = raw
			}
		}
	default:
		p.logger.WithField("request_type", req.RequestType).Warning("Unknown sync request type")
		return
	}

	payload, err := (&SyncResponsePayload{
		RequestID: msg.MessageID,
		SessionID: req.SessionID,
		Blocks:    blocks,
	}).Marshal()
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode sync response")
		return
	}

	resp := p.CreateMessage(SyncResponse, payload)
	raw, err := resp.Marshal()
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode sync response message")
		return
	}

	if err := p.trans.Send(from, raw); err != nil {
		p.logger.WithField("target", from).WithError(err).Warning("Sync response delivery failed")
	}
}

func (p *Protocol) handleSyncResponse(msg *Message) {
	if p.syncHandler == nil {
		return
	}

	payload := new(SyncResponsePayload)
	if err := payload.Unmarshal(msg.Payload); err != nil {
		p.logger.WithError(err).Warning("Malformed sync response")
		return
	}

	p.syncHandler.HandleSyncResponse(msg, payload)
}

func (p *Protocol) handleFallbackRequest(msg *Message) {
	req := new(FallbackRequestPayload)
	if err := req.Unmarshal(msg.Payload); err != nil {
		p.logger.WithError(err).Warning("Malformed fallback request")
		return
	}

	p.Lock()
	entry, ok := p.cache[req.OriginalMessageID]
	p.Unlock()

	if !ok {
		p.logger.WithField("message", req.OriginalMessageID).Debug("Fallback request for unknown message")
		return
	}

	raw, err := entry.message.Marshal()
	if err != nil {
		p.logger.WithError(err).Error("Failed to encode cached message")
		return
	}

	if err := p.trans.Send(req.FailedPeer, raw); err != nil {
		p.logger.WithFields(logrus.Fields{
			"message": req.OriginalMessageID,
			"peer":    req.FailedPeer,
		}).WithError(err).Warning("Fallback delivery failed")
		return
	}

	p.logger.WithFields(logrus.Fields{
		"message": req.OriginalMessageID,
		"peer":    req.FailedPeer,
	}).Debug("Fallback delivery succeeded")
}

func (p *Protocol) handleAck(msg *Message, from string) {
	ack := new(AckPayload)
	if err := ack.Unmarshal(msg.Payload); err != nil {
		p.logger.WithError(err).Warning("Malformed ack")
		return
	}

	p.Lock()
	if pending, ok := p.pendingAcks[ack.OriginalMessageID]; ok {
		delete(pending.peers, from)
	}
	p.Unlock()

	if ack.SessionID != "" && p.syncHandler != nil {
		p.syncHandler.HandleSessionAck(ack, from)
	}
}

// Run starts the background maintenance tasks: the cache cleanup, which purges
// seen and cached messages past CacheMaxAge every CleanupInterval, and the
// pending-ack monitor, which every MonitorInterval expires pending-ack sets
// past AckMaxAge with one fallback attempt per silent peer.
func (p *Protocol) Run() {
	p.shutdownWg.Add(2)
	go p.cleanupLoop()
	go p.ackMonitor()
}

// Shutdown stops the background maintenance tasks and waits for them to exit.
func (p *Protocol) Shutdown() {
	close(p.shutdownCh)
	p.shutdownWg.Wait()
}

func (p *Protocol) cleanupLoop() {
	defer p.shutdownWg.Done()

	ticker := time.NewTicker(p.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.shutdownCh:
			return
		}
	}
}

func (p *Protocol) cleanup() {
	cutoff := time.Now().Add(-p.config.CacheMaxAge)

	p.Lock()
	defer p.Unlock()

	for id, seenAt := range p.seen {
		if seenAt.Before(cutoff) {
			delete(p.seen, id)
		}
	}
	for id, entry := range p.cache {
		if entry.added.Before(cutoff) {
			delete(p.cache, id)
		}
	}
}

func (p *Protocol) ackMonitor() {
	defer p.shutdownWg.Done()

	ticker := time.NewTicker(p.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.expireAcks()
		case <-p.shutdownCh:
			return
		}
	}
}

func (p *Protocol) expireAcks() {
	type failedDelivery struct {
		messageID string
		peer      string
	}

	cutoff := time.Now().Add(-p.config.AckMaxAge)
	expired := []failedDelivery{}

	p.Lock()
	for id, pending := range p.pendingAcks {
		if pending.created.After(cutoff) {
			continue
		}
		for peer := range pending.peers {
			expired = append(expired, failedDelivery{id, peer})
		}
		delete(p.pendingAcks, id)
	}
	p.Unlock()

	for _, failed := range expired {
		p.logger.WithFields(logrus.Fields{
			"message": failed.messageID,
			"peer":    failed.peer,
		}).Warning("Pending acknowledgment expired")

		p.triggerFallback(failed.messageID, failed.peer, 0)
	}
}

// Stats returns counters describing the protocol state.
func (p *Protocol) Stats() map[string]int {
	p.Lock()
	defer p.Unlock()

	return map[string]int{
		"seen_messages":  len(p.seen),
		"cached":         len(p.cache),
		"pending_acks":   len(p.pendingAcks),
		"known_peers":    p.peers.Len(),
		"fallback_peers": len(p.peers.FallbackPeers()),
	}
}
