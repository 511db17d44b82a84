package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/alpha-protocol/apn-node/src/common"
	"github.com/alpha-protocol/apn-node/src/ledger"
	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key.
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the
	// Badger peer database.
	DefaultBadgerFile = "peers_db"

	// DefaultLedgerFile is the default name of the SQLite reward ledger.
	DefaultLedgerFile = "rewards.db"
)

// Default configuration values.
const (
	DefaultLogLevel          = "info"
	DefaultBindAddr          = "127.0.0.1:2696"
	DefaultServiceAddr       = "127.0.0.1:8090"
	DefaultRelayAddr         = "127.0.0.1:2443"
	DefaultRelayRealm        = "apn"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultTrackerInterval   = 60 * time.Second
	DefaultBatchInterval     = 5 * time.Minute
	DefaultConfirmInterval   = 30 * time.Second
	DefaultMinDistribution   = 1.0
	DefaultTCPTimeout        = 5 * time.Second
	DefaultSettlementURL     = "http://127.0.0.1:9090"
	DefaultStore             = false
)

// Config contains all the configuration properties of an APN node.
type Config struct {
	// DataDir is the top-level directory containing APN configuration and
	// data.
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// LogFile, when set, duplicates the log output to a file.
	LogFile string `mapstructure:"log-file"`

	// Moniker is the friendly name of this node, included in announce
	// messages.
	Moniker string `mapstructure:"moniker"`

	// Mnemonic, when set, imports the identity from a BIP39 recovery phrase
	// instead of reading the keyfile.
	Mnemonic string `mapstructure:"mnemonic"`

	// BindAddr is the local address:port for the direct encrypted transport.
	// In some cases there may be a routable address that cannot be bound;
	// use AdvertiseAddr to advertise a different address.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr changes the address advertised to other nodes for the
	// direct transport.
	AdvertiseAddr string `mapstructure:"advertise"`

	// NoDirect disables the direct TCP transport; the node then relies on
	// the relay alone.
	NoDirect bool `mapstructure:"no-direct"`

	// Bootstrap is the list of direct-transport addresses dialed at startup.
	Bootstrap []string `mapstructure:"bootstrap"`

	// RelayAddr is the host:port of the WAMP relay router.
	RelayAddr string `mapstructure:"relay"`

	// RelayRealm is the administrative domain on the relay; messages are
	// only routed within a realm.
	RelayRealm string `mapstructure:"realm"`

	// HeartbeatInterval is the period of the heartbeat broadcaster. It also
	// drives the liveness sweeper: peers go stale after missing 2 intervals
	// and offline after 10.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat"`

	// NoHeartbeat disables the heartbeat broadcaster. The node still
	// listens, tracks peers and serves queries, but earns nothing.
	NoHeartbeat bool `mapstructure:"no-heartbeat"`

	// TCPTimeout is the dial timeout of direct-transport connections.
	TCPTimeout time.Duration `mapstructure:"timeout"`

	// NoService disables the HTTP API service.
	NoService bool `mapstructure:"no-service"`

	// ServiceAddr is the address:port of the HTTP API service.
	ServiceAddr string `mapstructure:"service-listen"`

	// Store activates persistent peer-registry storage in Badger.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing the Badger peer database.
	DatabaseDir string `mapstructure:"db"`

	// LedgerFile is the path of the SQLite reward ledger.
	LedgerFile string `mapstructure:"ledger"`

	// TrackerInterval is the period of the reward tracker sweep.
	TrackerInterval time.Duration `mapstructure:"tracker-interval"`

	// BatchInterval is the period of the settlement distributor.
	BatchInterval time.Duration `mapstructure:"batch-interval"`

	// MinDistribution is the minimum pending balance, in whole VIBE, that a
	// wallet must accumulate before it is settled.
	MinDistribution float64 `mapstructure:"min-distribution"`

	// ConfirmInterval is the polling period of the confirmation watcher.
	ConfirmInterval time.Duration `mapstructure:"confirm-interval"`

	// SettlementURL is the base URL of the settlement gateway.
	SettlementURL string `mapstructure:"settlement-url"`

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	return &Config{
		DataDir:           DefaultDataDir(),
		LogLevel:          DefaultLogLevel,
		BindAddr:          DefaultBindAddr,
		RelayAddr:         DefaultRelayAddr,
		RelayRealm:        DefaultRelayRealm,
		HeartbeatInterval: DefaultHeartbeatInterval,
		TCPTimeout:        DefaultTCPTimeout,
		ServiceAddr:       DefaultServiceAddr,
		Store:             DefaultStore,
		DatabaseDir:       DefaultDatabaseDir(),
		LedgerFile:        DefaultLedgerFile,
		TrackerInterval:   DefaultTrackerInterval,
		BatchInterval:     DefaultBatchInterval,
		MinDistribution:   DefaultMinDistribution,
		ConfirmInterval:   DefaultConfirmInterval,
		SettlementURL:     DefaultSettlementURL,
	}
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t)
	return config
}

// SetDataDir sets the top-level APN directory, and updates the database and
// ledger paths if they are still set to their defaults. Paths the user set
// explicitly are left alone.
func (c *Config) SetDataDir(dataDir string) {
	c.DataDir = dataDir
	if c.DatabaseDir == DefaultDatabaseDir() {
		c.DatabaseDir = filepath.Join(dataDir, DefaultBadgerFile)
	}
	if c.LedgerFile == DefaultLedgerFile {
		c.LedgerFile = filepath.Join(dataDir, DefaultLedgerFile)
	}
}

// Keyfile returns the full path of the file containing the private key.
func (c *Config) Keyfile() string {
	return filepath.Join(c.DataDir, DefaultKeyfile)
}

// MinDistributionAmount converts the whole-VIBE threshold to base units.
func (c *Config) MinDistributionAmount() ledger.Vibe {
	return ledger.Vibe(c.MinDistribution * float64(ledger.VibePerToken))
}

// Logger returns a formatted logrus Entry, with prefix set to "apn".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
		if c.LogFile != "" {
			c.logger.AddHook(lfshook.NewHook(c.LogFile, &logrus.JSONFormatter{}))
		}
	}
	return c.logger.WithField("prefix", "apn")
}

// DefaultDatabaseDir returns the default path for the badger peer database.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir returns the default directory name for top-level APN config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".APN")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "APN")
		} else {
			return filepath.Join(home, ".apn")
		}
	}
	// As we cannot guess a stable location, return empty and handle later
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

// LogLevel parses a string into a Logrus log level.
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
	case "trace":
		return logrus.TraceLevel
	default:
		return logrus.DebugLevel
	}
}
