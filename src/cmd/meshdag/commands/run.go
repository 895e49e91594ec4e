package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meshnetworks/meshdag/src/config"
	"github.com/meshnetworks/meshdag/src/crypto/keys"
	"github.com/meshnetworks/meshdag/src/dag"
	"github.com/meshnetworks/meshdag/src/net"
	"github.com/meshnetworks/meshdag/src/node"
	"github.com/meshnetworks/meshdag/src/peers"
	"github.com/meshnetworks/meshdag/src/service"
)

var (
	clusterSize     int
	produceInterval time.Duration
)

// NewRunCmd returns the command that runs a local meshdag cluster. The
// cluster gossips over in-memory transports inside one process; deployments
// over a real network embed the node package with their own transport.
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run a local cluster",
		PreRunE: loadConfig,
		RunE:    runCluster,
	}

	AddRunFlags(cmd)

	return cmd
}

// AddRunFlags adds flags to the Run command.
func AddRunFlags(cmd *cobra.Command) {
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")

	// Gossip
	cmd.Flags().Int("ttl", _config.MessageTTL, "Hop budget of gossip messages")
	cmd.Flags().Duration("ack-timeout", _config.AckTimeout, "Broadcast acknowledgment timeout")
	cmd.Flags().Duration("cache-max-age", _config.CacheMaxAge, "Max age of gossip cache entries")

	// Sync
	cmd.Flags().Duration("settle-delay", _config.SettleDelay, "Tip-report settling delay")
	cmd.Flags().Duration("session-timeout", _config.SessionTimeout, "Sync session inactivity deadline")
	cmd.Flags().Int("max-retries", _config.MaxRetries, "Max re-requests per sync session")
	cmd.Flags().Duration("sync-interval", _config.SyncInterval, "Period of the proactive sync pass")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().Bool("bootstrap", _config.Bootstrap, "Load the DAG from the database")

	// Pruning
	cmd.Flags().Duration("max-node-age", _config.MaxNodeAge, "Prune non-tip nodes older than this (0 disables)")

	// Demo cluster
	cmd.Flags().IntVar(&clusterSize, "nodes", 3, "Number of nodes in the local cluster")
	cmd.Flags().DurationVar(&produceInterval, "produce-interval", 2*time.Second, "Delay between produced blocks")
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// If --datadir was explicitly set, but not --db, this updates the default
	// database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	_config.SetLogger(newFileLogger(config.LogLevel(_config.LogLevel)))

	_config.Logger().WithFields(logrus.Fields{
		"datadir":         _config.DataDir,
		"service-listen":  _config.ServiceAddr,
		"store":           _config.Store,
		"db":              _config.DatabaseDir,
		"bootstrap":       _config.Bootstrap,
		"ttl":             _config.MessageTTL,
		"ack-timeout":     _config.AckTimeout,
		"settle-delay":    _config.SettleDelay,
		"session-timeout": _config.SessionTimeout,
		"max-retries":     _config.MaxRetries,
		"sync-interval":   _config.SyncInterval,
		"nodes":           clusterSize,
	}).Debug("RUN")

	return nil
}

func runCluster(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	if clusterSize < 2 {
		return fmt.Errorf("a cluster needs at least two nodes")
	}

	// node 0 uses the configured keyfile if one exists; every other node gets
	// an ephemeral key
	localKey, err := keys.NewSimpleKeyfile(_config.Keyfile()).ReadKey()
	if err != nil {
		logger.WithError(err).Debug("No usable keyfile, generating an ephemeral key")
		if localKey, err = keys.GenerateECDSAKey(); err != nil {
			return err
		}
	}

	validators := []*node.Validator{}
	transports := []*net.InmemTransport{}
	peerList := []*peers.Peer{}

	for i := 0; i < clusterSize; i++ {
		key := localKey
		if i > 0 {
			if key, err = keys.GenerateECDSAKey(); err != nil {
				return err
			}
		}

		moniker := fmt.Sprintf("%s%d", monikerPrefix(), i)
		validator := node.NewValidator(key, moniker)

		addr, trans := net.NewInmemTransport(fmt.Sprintf("inmem://%d", i))
		transports = append(transports, trans)
		validators = append(validators, validator)

		peer := peers.NewPeer(validator.PublicKeyHex(), addr, moniker)
		// the last node doubles as the fallback relay
		peer.Fallback = i == clusterSize-1
		peerList = append(peerList, peer)
	}

	peerSet := peers.NewPeerSet(peerList)

	if err := peers.NewJSONPeerSet(_config.DataDir).Write(peerList); err != nil {
		logger.WithError(err).Warn("Failed to persist peers.json")
	}

	cluster := []*node.Node{}
	for i := range validators {
		for j, other := range transports {
			if i != j {
				transports[i].Connect(other.LocalAddr(), other)
			}
		}

		var store dag.Store = dag.NewInmemStore()
		if i == 0 && _config.Store {
			badgerStore, err := dag.LoadOrCreateBadgerStore(_config.DatabaseDir)
			if err != nil {
				return err
			}
			store = badgerStore
		}

		n := node.NewNode(_config, validators[i], transports[i], peerSet, store)
		if err := n.Init(); err != nil {
			return err
		}
		cluster = append(cluster, n)
	}

	for _, n := range cluster {
		n.RunAsync()
	}

	if !_config.NoService {
		serviceServer := service.NewService(_config.ServiceAddr, cluster[0], logger)
		go serviceServer.Serve()
	}

	producerCh := make(chan struct{})
	go produceBlocks(cluster, producerCh, logger)

	//wait for SIGINT/SIGTERM
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	<-signalCh

	close(producerCh)
	for _, n := range cluster {
		n.Shutdown()
	}

	return nil
}

// produceBlocks submits a block to each node in turn, so the cluster has
// something to gossip about.
func produceBlocks(cluster []*node.Node, stopCh chan struct{}, logger *logrus.Entry) {
	ticker := time.NewTicker(produceInterval)
	defer ticker.Stop()

	seq := 0
	for {
		select {
		case <-ticker.C:
			producer := cluster[seq%len(cluster)]
			if _, err := producer.SubmitBlock([]byte(fmt.Sprintf("demo block %d", seq))); err != nil {
				logger.WithError(err).Warn("Block submission failed")
			}
			seq++
		case <-stopCh:
			return
		}
	}
}

func monikerPrefix() string {
	if _config.Moniker != "" {
		return _config.Moniker
	}
	return "node"
}
