package dagsync

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshnetworks/meshdag/src/dag"
	"github.com/meshnetworks/meshdag/src/gossip"
	"github.com/meshnetworks/meshdag/src/peers"
)

// ErrSyncInProgress is returned by SyncWithNetwork when a pass is already in
// flight. The caller is expected to back off, not queue.
var ErrSyncInProgress = errors.New("sync pass already in progress")

// Config holds the tunable parameters of the sync orchestrator.
type Config struct {
	// SettleDelay is how long a sync pass waits for tip reports to flow back
	// through the gossip layer before computing the missing set.
	SettleDelay time.Duration

	// SessionTimeout is the inactivity deadline after which the monitor
	// retries or force-closes a session.
	SessionTimeout time.Duration

	// MaxRetries bounds the number of re-requests per session.
	MaxRetries int

	// MonitorInterval is the period of the session monitor.
	MonitorInterval time.Duration

	// SyncInterval is the period of the proactive full sync pass.
	SyncInterval time.Duration
}

// DefaultConfig returns the default sync parameters.
func DefaultConfig() *Config {
	return &Config{
		SettleDelay:     5 * time.Second,
		SessionTimeout:  30 * time.Second,
		MaxRetries:      3,
		MonitorInterval: 1 * time.Second,
		SyncInterval:    5 * time.Minute,
	}
}

// syncRequest is an immutable snapshot of a session's outstanding request,
// taken under the manager lock and sent without it.
type syncRequest struct {
	sessionID string
	peerID    string
	missing   []string
	retry     int
}

// Manager detects gaps between the local DAG and the rest of the network and
// closes them through per-peer reconciliation sessions. Only one top-level
// sync pass may be in flight at a time.
type Manager struct {
	sync.Mutex
	syncState

	config *Config
	dag    *dag.Manager
	gossip *gossip.Protocol
	peers  *peers.PeerSet

	sessions   map[string]*Session
	sessionSeq int

	tipsRequestID string
	reported      map[string][]byte //block ids reported by peers, with payloads

	shutdownCh chan struct{}
	shutdownWg sync.WaitGroup

	logger *logrus.Entry
}

// NewManager instantiates a sync Manager and registers it as the gossip
// protocol's sync handler.
func NewManager(
	config *Config,
	dagManager *dag.Manager,
	protocol *gossip.Protocol,
	peerSet *peers.PeerSet,
	logger *logrus.Entry) *Manager {

	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	manager := &Manager{
		config:     config,
		dag:        dagManager,
		gossip:     protocol,
		peers:      peerSet,
		sessions:   make(map[string]*Session),
		reported:   make(map[string][]byte),
		shutdownCh: make(chan struct{}),
		logger:     logger.WithField("component", "sync"),
	}

	protocol.RegisterSyncHandler(manager)

	return manager
}

// State returns the orchestrator's current state.
func (m *Manager) State() State {
	return m.getState()
}

// SyncWithNetwork runs one full reconciliation pass: broadcast a tips request,
// wait for reports to settle, compute the set of reported blocks absent from
// the local DAG, and open a session per peer for the missing set. A pass
// already in progress causes the call to be rejected, not queued. The pass
// returns once sessions are open; resolution happens asynchronously as
// responses arrive.
func (m *Manager) SyncWithNetwork() error {
	if !m.casState(Idle, Syncing) && !m.casState(Error, Syncing) {
		m.logger.WithField("state", m.getState().String()).Warning("Sync pass already in flight")
		return ErrSyncInProgress
	}

	m.logger.Debug("Starting sync pass")

	payload, err := (&gossip.SyncRequestPayload{RequestType: gossip.GetTips}).Marshal()
	if err != nil {
		m.setState(Error)
		return err
	}

	msg := m.gossip.CreateMessage(gossip.SyncRequest, payload)

	m.Lock()
	m.tipsRequestID = msg.MessageID
	m.reported = make(map[string][]byte)
	m.Unlock()

	if err := m.gossip.Broadcast(msg, false); err != nil {
		m.setState(Error)
		return err
	}

	time.Sleep(m.config.SettleDelay)

	m.Lock()
	missing := []string{}
	for id := range m.reported {
		if !m.dag.Contains(id) {
			missing = append(missing, id)
		}
	}
	m.Unlock()
	sort.Strings(missing)

	if len(missing) == 0 {
		m.logger.Debug("No gaps detected")
		m.setState(Idle)
		return nil
	}

	m.logger.WithField("missing", len(missing)).Info("Gaps detected, opening sessions")

	targets := m.peers.ExcludeNetAddr(m.gossip.LocalAddr()).NetAddrs()

	requests := []syncRequest{}

	m.Lock()
	for _, target := range targets {
		m.sessionSeq++
		id := fmt.Sprintf("%s_%s_%d", m.gossip.LocalAddr(), target, m.sessionSeq)
		session := newSession(id, target, missing)
		m.sessions[id] = session
		requests = append(requests, m.requestSnapshot(session))
	}
	m.Unlock()

	m.setState(Validating)

	for _, req := range requests {
		if err := m.sendSyncRequest(req); err != nil {
			m.logger.WithField("peer", req.peerID).WithError(err).Warning("Failed to send sync request")
		}
	}

	return nil
}

// requestSnapshot captures a session's outstanding request. Callers must hold
// the manager lock.
func (m *Manager) requestSnapshot(session *Session) syncRequest {
	return syncRequest{
		sessionID: session.ID,
		peerID:    session.PeerID,
		missing:   session.missingIDs(),
		retry:     session.Retries,
	}
}

func (m *Manager) sendSyncRequest(req syncRequest) error {
	payload, err := (&gossip.SyncRequestPayload{
		RequestType:   gossip.GetBlocks,
		MissingBlocks: req.missing,
		SessionID:     req.sessionID,
		Retry:         req.retry,
	}).Marshal()
	if err != nil {
		return err
	}

	msg := m.gossip.CreateMessage(gossip.SyncRequest, payload)

	return m.gossip.Send(req.peerID, msg)
}

// HandleSyncResponse implements the gossip SyncHandler interface. Tip reports
// are accumulated for the pass in flight; session responses are validated and
// inserted into the DAG, resolving the session when its missing set drains.
func (m *Manager) HandleSyncResponse(msg *gossip.Message, payload *gossip.SyncResponsePayload) {
	m.Lock()

	if payload.RequestID == m.tipsRequestID {
		for id, raw := range payload.Blocks {
			m.reported[id] = raw
		}
		m.Unlock()
		return
	}

	session, ok := m.sessions[payload.SessionID]
	if !ok {
		m.Unlock()
		m.logger.WithField("session", payload.SessionID).Debug("Response for unknown session")
		return
	}

	session.LastActivity = time.Now()

	inserted := m.insertBlocks(session, payload.Blocks)

	m.logger.WithFields(logrus.Fields{
		"session":   session.ID,
		"inserted":  inserted,
		"remaining": len(session.Missing),
	}).Debug("Processed sync response")

	if session.resolved() {
		delete(m.sessions, session.ID)
		remaining := len(m.sessions)
		m.Unlock()

		m.logger.WithFields(logrus.Fields{
			"session": session.ID,
			"blocks":  len(session.Received),
		}).Info("Session resolved")

		m.broadcastCompletion(session)

		if remaining == 0 {
			m.casState(Validating, Idle)
		}
		return
	}

	if session.Retries < m.config.MaxRetries {
		session.Retries++
		req := m.requestSnapshot(session)
		m.Unlock()

		m.logger.WithFields(logrus.Fields{
			"session": req.sessionID,
			"retry":   req.retry,
		}).Debug("Re-requesting unresolved blocks")

		if err := m.sendSyncRequest(req); err != nil {
			m.logger.WithField("peer", req.peerID).WithError(err).Warning("Failed to re-send sync request")
		}
		return
	}

	delete(m.sessions, session.ID)
	remaining := len(m.sessions)
	m.Unlock()

	m.logger.WithFields(logrus.Fields{
		"session":    session.ID,
		"unresolved": len(session.Missing),
	}).Warning("Session exhausted with unresolved gaps")

	if remaining == 0 {
		m.casState(Validating, Error)
	}
}

// insertBlocks decodes the delivered blocks and inserts them through the
// regular validation path. Responses carry ancestor closures in arbitrary
// order, so insertion is retried in passes until one makes no progress.
// Callers must hold the manager lock.
func (m *Manager) insertBlocks(session *Session, blocks map[string][]byte) int {
	pending := []*dag.Node{}
	for id, raw := range blocks {
		node := new(dag.Node)
		if err := node.Unmarshal(raw); err != nil {
			m.logger.WithField("block", id).WithError(err).Warning("Malformed block in sync response")
			continue
		}
		pending = append(pending, node)
	}

	inserted := 0

	for len(pending) > 0 {
		progress := false
		next := []*dag.Node{}

		for _, node := range pending {
			if m.dag.Contains(node.ID) {
				m.resolve(session, node)
				continue
			}

			if err := m.dag.AddNode(node, true); err != nil {
				if dag.IsValidation(err, dag.MissingParent) {
					next = append(next, node)
				} else {
					m.logger.WithField("block", node.ID).WithError(err).Warning("Rejected block from sync response")
				}
				continue
			}

			inserted++
			progress = true
			m.resolve(session, node)
		}

		if !progress {
			break
		}
		pending = next
	}

	return inserted
}

func (m *Manager) resolve(session *Session, node *dag.Node) {
	if session.Missing[node.ID] {
		delete(session.Missing, node.ID)
		session.Received[node.ID] = node
	}
}

// broadcastCompletion announces the ids a session received. Force-closed
// sessions announce too, so peers learn what did get through.
func (m *Manager) broadcastCompletion(session *Session) {
	payload, err := (&gossip.AckPayload{
		SessionID:      session.ID,
		ReceivedBlocks: session.receivedIDs(),
	}).Marshal()
	if err != nil {
		m.logger.WithError(err).Error("Failed to encode completion ack")
		return
	}

	msg := m.gossip.CreateMessage(gossip.Ack, payload)

	if err := m.gossip.Broadcast(msg, false); err != nil {
		m.logger.WithField("session", session.ID).WithError(err).Warning("Failed to broadcast completion")
	}
}

// HandleSessionAck implements the gossip SyncHandler interface.
func (m *Manager) HandleSessionAck(ack *gossip.AckPayload, sender string) {
	m.logger.WithFields(logrus.Fields{
		"session": ack.SessionID,
		"peer":    sender,
		"blocks":  len(ack.ReceivedBlocks),
	}).Debug("Peer completed sync session")
}

// Run starts the background tasks: the session monitor, which every
// MonitorInterval retries or force-closes sessions inactive past
// SessionTimeout, and the periodic full sync pass, which runs every
// SyncInterval.
func (m *Manager) Run() {
	m.shutdownWg.Add(2)
	go m.monitor()
	go m.periodicSync()
}

// Shutdown stops the background tasks and waits for them to exit.
func (m *Manager) Shutdown() {
	close(m.shutdownCh)
	m.shutdownWg.Wait()
}

func (m *Manager) monitor() {
	defer m.shutdownWg.Done()

	ticker := time.NewTicker(m.config.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.expireSessions()
		case <-m.shutdownCh:
			return
		}
	}
}

func (m *Manager) expireSessions() {
	now := time.Now()

	retries := []syncRequest{}
	expired := []*Session{}

	m.Lock()
	for id, session := range m.sessions {
		if now.Sub(session.LastActivity) <= m.config.SessionTimeout {
			continue
		}

		if session.Retries < m.config.MaxRetries {
			session.Retries++
			session.LastActivity = now
			retries = append(retries, m.requestSnapshot(session))
			continue
		}

		delete(m.sessions, id)
		expired = append(expired, session)
	}
	remaining := len(m.sessions)
	m.Unlock()

	for _, req := range retries {
		m.logger.WithFields(logrus.Fields{
			"session": req.sessionID,
			"retry":   req.retry,
		}).Debug("Session timed out, retrying")

		if err := m.sendSyncRequest(req); err != nil {
			m.logger.WithField("peer", req.peerID).WithError(err).Warning("Failed to re-send sync request")
		}
	}

	unresolvedGaps := false
	for _, session := range expired {
		m.logger.WithFields(logrus.Fields{
			"session":    session.ID,
			"unresolved": len(session.Missing),
		}).Warning("Session force-closed")

		if !session.resolved() {
			unresolvedGaps = true
		}

		m.broadcastCompletion(session)
	}

	if len(expired) > 0 && remaining == 0 {
		if unresolvedGaps {
			m.casState(Validating, Error)
		} else {
			m.casState(Validating, Idle)
		}
	}
}

func (m *Manager) periodicSync() {
	defer m.shutdownWg.Done()

	ticker := time.NewTicker(m.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := m.SyncWithNetwork(); err != nil && err != ErrSyncInProgress {
				m.logger.WithError(err).Warning("Periodic sync pass failed")
			}
		case <-m.shutdownCh:
			return
		}
	}
}

// Stats returns counters describing the orchestrator state.
func (m *Manager) Stats() map[string]string {
	m.Lock()
	defer m.Unlock()

	missing := 0
	received := 0
	for _, session := range m.sessions {
		missing += len(session.Missing)
		received += len(session.Received)
	}

	return map[string]string{
		"state":           m.getState().String(),
		"active_sessions": strconv.Itoa(len(m.sessions)),
		"missing_blocks":  strconv.Itoa(missing),
		"received_blocks": strconv.Itoa(received),
	}
}
