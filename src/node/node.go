package node

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/meshnetworks/meshdag/src/config"
	"github.com/meshnetworks/meshdag/src/dag"
	"github.com/meshnetworks/meshdag/src/dagsync"
	"github.com/meshnetworks/meshdag/src/gossip"
	"github.com/meshnetworks/meshdag/src/net"
	"github.com/meshnetworks/meshdag/src/peers"
)

// Node composes the DAG manager, the gossip protocol and the sync
// orchestrator over a transport. It is constructed explicitly and passed by
// reference; there is no hidden process-wide instance.
type Node struct {
	conf      *config.Config
	validator *Validator

	trans net.Transport
	peers *peers.PeerSet

	dag    *dag.Manager
	gossip *gossip.Protocol
	sync   *dagsync.Manager

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownWg   sync.WaitGroup

	logger *logrus.Entry
}

// NewNode instantiates a Node and wires its components together. The store
// may be nil, in which case accepted nodes are not persisted.
func NewNode(
	conf *config.Config,
	validator *Validator,
	trans net.Transport,
	peerSet *peers.PeerSet,
	store dag.Store) *Node {

	logger := conf.Logger().WithField("this_id", validator.ID())

	dagManager := dag.NewManager(validator.Key, store, logger)
	protocol := gossip.NewProtocol(conf.GossipConfig(), trans, peerSet, logger)
	syncManager := dagsync.NewManager(conf.SyncConfig(), dagManager, protocol, peerSet, logger)

	node := &Node{
		conf:       conf,
		validator:  validator,
		trans:      trans,
		peers:      peerSet,
		dag:        dagManager,
		gossip:     protocol,
		sync:       syncManager,
		shutdownCh: make(chan struct{}),
		logger:     logger,
	}

	protocol.RegisterBlockProvider(node)
	protocol.RegisterBlockSink(node.processBlockMessage)

	return node
}

// Init bootstraps the DAG from the store when the config requires it.
func (n *Node) Init() error {
	if n.conf.Bootstrap {
		n.logger.Debug("Bootstrapping from store")
		return n.dag.Bootstrap()
	}
	return nil
}

// Run starts the transport, the background tasks of the gossip and sync
// layers, and pumps inbound packets into the gossip protocol until Shutdown
// is called.
func (n *Node) Run() {
	n.trans.Listen()
	n.gossip.Run()
	n.sync.Run()

	n.shutdownWg.Add(1)
	defer n.shutdownWg.Done()

	pruneTicker := time.NewTicker(n.conf.CleanupInterval)
	defer pruneTicker.Stop()

	for {
		select {
		case <-pruneTicker.C:
			if n.conf.MaxNodeAge > 0 {
				n.dag.PruneOldNodes(n.conf.MaxNodeAge)
			}
		case packet := <-n.trans.Consumer():
			msg := new(gossip.Message)
			if err := msg.Unmarshal(packet.Payload); err != nil {
				n.logger.WithField("from", packet.From).WithError(err).Warning("Dropping malformed packet")
				continue
			}
			if err := n.gossip.HandleMessage(msg, packet.From); err != nil {
				n.logger.WithField("message", msg.MessageID).WithError(err).Warning("Message handling failed")
			}
		case <-n.shutdownCh:
			return
		}
	}
}

// RunAsync runs the node in a goroutine.
func (n *Node) RunAsync() {
	n.logger.Debug("Starting node")
	go n.Run()
}

// Shutdown stops the node and its background tasks.
func (n *Node) Shutdown() {
	n.shutdownOnce.Do(func() {
		n.logger.Debug("Shutting down node")

		close(n.shutdownCh)
		n.shutdownWg.Wait()

		n.sync.Shutdown()
		n.gossip.Shutdown()
		n.trans.Close()
	})
}

// SubmitBlock produces a new signed block on top of the current tips, inserts
// it locally and announces it to the network. Broadcast acknowledgment
// tracking runs in the background.
func (n *Node) SubmitBlock(data []byte) (*dag.Node, error) {
	block := dag.NewNode(dag.Block, n.dag.TipIDs(), time.Now().UnixNano(), data, n.validator.PublicKeyBytes())

	if err := n.dag.SignNode(block); err != nil {
		return nil, fmt.Errorf("signing block: %v", err)
	}

	if err := n.dag.AddNode(block, true); err != nil {
		return nil, fmt.Errorf("inserting block: %v", err)
	}

	raw, err := block.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encoding block: %v", err)
	}

	msg := n.gossip.CreateMessage(gossip.Block, raw)

	go func() {
		if err := n.gossip.Broadcast(msg, true); err != nil {
			n.logger.WithField("block", block.ID).WithError(err).Warning("Block broadcast failed")
		}
	}()

	n.logger.WithField("block", block.ID).Debug("Submitted block")

	return block, nil
}

// SyncWithNetwork triggers a full reconciliation pass.
func (n *Node) SyncWithNetwork() error {
	return n.sync.SyncWithNetwork()
}

// processBlockMessage inserts a block received through gossip. A missing
// parent kicks off a sync pass; the gap is then closed with the parent's
// whole ancestor closure.
func (n *Node) processBlockMessage(msg *gossip.Message) {
	block := new(dag.Node)
	if err := block.Unmarshal(msg.Payload); err != nil {
		n.logger.WithField("message", msg.MessageID).WithError(err).Warning("Malformed block message")
		return
	}

	if err := n.dag.AddNode(block, true); err != nil {
		if dag.IsValidation(err, dag.MissingParent) {
			n.logger.WithField("block", block.ID).Debug("Received block ahead of its parents")
			go func() {
				if err := n.sync.SyncWithNetwork(); err != nil && err != dagsync.ErrSyncInProgress {
					n.logger.WithError(err).Warning("Gap-triggered sync pass failed")
				}
			}()
			return
		}
		if dag.IsValidation(err, dag.DuplicateNode) {
			return
		}
		n.logger.WithField("block", block.ID).WithError(err).Warning("Rejected gossiped block")
		return
	}

	n.logger.WithField("block", block.ID).Debug("Accepted gossiped block")
}

/* BlockProvider implementation */

// TipBlocks implements the gossip BlockProvider interface.
func (n *Node) TipBlocks() map[string][]byte {
	res := map[string][]byte{}
	for _, tip := range n.dag.Tips() {
		raw, err := tip.Marshal()
		if err != nil {
			continue
		}
		res[tip.ID] = raw
	}
	return res
}

// BlockWithAncestors implements the gossip BlockProvider interface.
func (n *Node) BlockWithAncestors(id string) map[string][]byte {
	res := map[string][]byte{}

	nodes, err := n.dag.Ancestry(id)
	if err != nil {
		return res
	}

	for _, block := range nodes {
		raw, err := block.Marshal()
		if err != nil {
			continue
		}
		res[block.ID] = raw
	}
	return res
}

/* Accessors */

// DAG returns the node's DAG manager.
func (n *Node) DAG() *dag.Manager {
	return n.dag
}

// Peers returns the node's peer set.
func (n *Node) Peers() *peers.PeerSet {
	return n.peers
}

// Moniker returns the validator's moniker.
func (n *Node) Moniker() string {
	return n.validator.Moniker
}

// GetStats merges counters from every layer.
func (n *Node) GetStats() map[string]string {
	stats := map[string]string{
		"id":      fmt.Sprint(n.validator.ID()),
		"moniker": n.validator.Moniker,
	}

	for k, v := range n.dag.Stats() {
		stats[k] = v
	}
	for k, v := range n.gossip.Stats() {
		stats[k] = strconv.Itoa(v)
	}
	for k, v := range n.sync.Stats() {
		stats[k] = v
	}

	return stats
}
