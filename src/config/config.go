package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"

	"github.com/meshnetworks/meshdag/src/common"
	"github.com/meshnetworks/meshdag/src/dagsync"
	"github.com/meshnetworks/meshdag/src/gossip"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the validator's
	// private key.
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database.
	DefaultBadgerFile = "badger_db"

	// DefaultPeersFile is the default name of the file containing the peer set.
	DefaultPeersFile = "peers.json"
)

// Default configuration values.
const (
	DefaultLogLevel    = "debug"
	DefaultBindAddr    = "127.0.0.1:1337"
	DefaultServiceAddr = "127.0.0.1:8000"

	DefaultMessageTTL      = 3
	DefaultAckTimeout      = 5 * time.Second
	DefaultAckMaxAge       = 30 * time.Second
	DefaultCacheMaxAge     = 1 * time.Hour
	DefaultCleanupInterval = 5 * time.Minute
	DefaultMonitorInterval = 1 * time.Second

	DefaultSettleDelay    = 5 * time.Second
	DefaultSessionTimeout = 30 * time.Second
	DefaultMaxRetries     = 3
	DefaultSyncInterval   = 5 * time.Minute

	DefaultStore      = false
	DefaultMaxNodeAge = time.Duration(0) //pruning disabled
)

// Config contains all the configuration properties of a meshdag node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port where this node gossips with other
	// nodes.
	BindAddr string `mapstructure:"listen"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the optional HTTP service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Moniker defines the friendly name of this node.
	Moniker string `mapstructure:"moniker"`

	// MessageTTL is the hop budget stamped on new gossip messages.
	MessageTTL int `mapstructure:"ttl"`

	// AckTimeout is how long a broadcast waits for acknowledgments before
	// falling back to relay delivery.
	AckTimeout time.Duration `mapstructure:"ack-timeout"`

	// AckMaxAge is the age beyond which pending acknowledgments are expired.
	AckMaxAge time.Duration `mapstructure:"ack-max-age"`

	// CacheMaxAge is the age beyond which gossip cache entries are purged.
	CacheMaxAge time.Duration `mapstructure:"cache-max-age"`

	// CleanupInterval is the period of the gossip cache-cleanup task.
	CleanupInterval time.Duration `mapstructure:"cleanup-interval"`

	// SettleDelay is how long a sync pass waits for tip reports before
	// computing the missing set.
	SettleDelay time.Duration `mapstructure:"settle-delay"`

	// SessionTimeout is the inactivity deadline of a sync session.
	SessionTimeout time.Duration `mapstructure:"session-timeout"`

	// MaxRetries bounds the number of re-requests per sync session.
	MaxRetries int `mapstructure:"max-retries"`

	// SyncInterval is the period of the proactive full sync pass. Together
	// with the fallback relays, it bounds recovery time when both a peer's
	// direct delivery and its fallbacks are unreachable.
	SyncInterval time.Duration `mapstructure:"sync-interval"`

	// MaxNodeAge enables age-based pruning of non-tip, non-root nodes when
	// set to a non-zero duration.
	MaxNodeAge time.Duration `mapstructure:"max-node-age"`

	// Store activates persistent storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Bootstrap determines whether to load the DAG from an existing database.
	// Forces Store.
	Bootstrap bool `mapstructure:"bootstrap"`

	// Key is the private key of the validator.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:         DefaultDataDir(),
		LogLevel:        DefaultLogLevel,
		BindAddr:        DefaultBindAddr,
		ServiceAddr:     DefaultServiceAddr,
		MessageTTL:      DefaultMessageTTL,
		AckTimeout:      DefaultAckTimeout,
		AckMaxAge:       DefaultAckMaxAge,
		CacheMaxAge:     DefaultCacheMaxAge,
		CleanupInterval: DefaultCleanupInterval,
		SettleDelay:     DefaultSettleDelay,
		SessionTimeout:  DefaultSessionTimeout,
		MaxRetries:      DefaultMaxRetries,
		SyncInterval:    DefaultSyncInterval,
		MaxNodeAge:      DefaultMaxNodeAge,
		Store:           DefaultStore,
		DatabaseDir:     DefaultDatabaseDir(),
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetLogger overrides the logger built from LogLevel, for callers that attach
// hooks or custom formatters.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// GossipConfig derives the gossip protocol parameters.
func (c *Config) GossipConfig() *gossip.Config {
	return &gossip.Config{
		TTL:             c.MessageTTL,
		AckTimeout:      c.AckTimeout,
		AckMaxAge:       c.AckMaxAge,
		CacheMaxAge:     c.CacheMaxAge,
		CleanupInterval: c.CleanupInterval,
		MonitorInterval: DefaultMonitorInterval,
	}
}

// SyncConfig derives the sync orchestrator parameters.
func (c *Config) SyncConfig() *dagsync.Config {
	return &dagsync.Config{
		SettleDelay:     c.SettleDelay,
		SessionTimeout:  c.SessionTimeout,
		MaxRetries:      c.MaxRetries,
		MonitorInterval: DefaultMonitorInterval,
		SyncInterval:    c.SyncInterval,
	}
}

// SetDataDir sets the top-level meshdag directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, the user has explicitly set it to
// something else, so avoid changing it again here.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// PeersFile returns the full path of the file containing the peer set.
func (c *Config) PeersFile() string {
	return filepath.Join(c.DataDir, DefaultPeersFile)
}

// Logger returns a formatted logrus Entry, with prefix set to "meshdag".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "meshdag")
}

// LogLevel parses a string into a logrus level, defaulting to debug.
func LogLevel(l string) logrus.Level {
	switch l {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	case "fatal":
		return logrus.FatalLevel
	case "panic":
		return logrus.PanicLevel
	default:
		return logrus.DebugLevel
	}
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level meshdag
// config based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".MeshDAG")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "MeshDAG")
		} else {
			return filepath.Join(home, ".meshdag")
		}
	}
	return ""
}

// HomeDir returns the user's home directory.
func HomeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	if usr, err := user.Current(); err == nil {
		return usr.HomeDir
	}
	return ""
}
