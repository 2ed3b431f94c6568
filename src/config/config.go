package config

import (
	"crypto/ecdsa"
	"os"
	"os/user"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sectornet/routing/src/common"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// Default filenames.
const (
	// DefaultKeyfile is the default name of the file containing the node's
	// private key
	DefaultKeyfile = "priv_key"

	// DefaultBadgerFile is the default name of the folder containing the Badger
	// database
	DefaultBadgerFile = "badger_db"

	// DefaultPeersFile is the default name of the file containing the current
	// elder set
	DefaultPeersFile = "peers.json"

	// DefaultGenesisPeersFile is the default name of the file containing the
	// genesis elder set
	DefaultGenesisPeersFile = "peers.genesis.json"
)

// Default configuration values.
const (
	DefaultLogLevel       = "debug"
	DefaultBindAddr       = "127.0.0.1:1337"
	DefaultServiceAddr    = "127.0.0.1:8000"
	DefaultElderCount     = 7
	DefaultSplitBuffer    = 3
	DefaultProbeRounds    = 3
	DefaultProbeInterval  = 1000 * time.Millisecond
	DefaultAccumulatorTTL = 30 * time.Second
	DefaultSweepInterval  = 1000 * time.Millisecond
	DefaultCacheSize      = 10000
	DefaultAgreedBacklog  = 1024
	DefaultStore          = false
)

// Config contains all the configuration properties of a routing node.
type Config struct {
	// DataDir is the top-level directory containing configuration and data
	DataDir string `mapstructure:"datadir"`

	// LogLevel determines the chattiness of the log output.
	LogLevel string `mapstructure:"log"`

	// BindAddr is the local address:port where this node talks to other
	// nodes. In some cases, there may be a routable address that cannot be
	// bound. Use AdvertiseAddr to advertise a different address to support
	// this.
	BindAddr string `mapstructure:"listen"`

	// AdvertiseAddr is used to change the address that we advertise to other
	// nodes.
	AdvertiseAddr string `mapstructure:"advertise"`

	// ServiceAddr is the address:port of the HTTP inspection service. An
	// empty value disables the service.
	ServiceAddr string `mapstructure:"service-listen"`

	// ElderCount is the target number of elders per section.
	ElderCount int `mapstructure:"elder-count"`

	// SplitBuffer is the safety margin over ElderCount that both halves of a
	// section must hold before the section splits.
	SplitBuffer int `mapstructure:"split-buffer"`

	// ProbeRounds is the number of consecutive failed liveness probes after
	// which a member is voted offline.
	ProbeRounds int `mapstructure:"probe-rounds"`

	// ProbeInterval is the frequency of liveness probes.
	ProbeInterval time.Duration `mapstructure:"probe-interval"`

	// AccumulatorTTL is how long an incomplete message accumulation slot is
	// kept before it expires.
	AccumulatorTTL time.Duration `mapstructure:"accumulator-ttl"`

	// SweepInterval is the frequency of the accumulator expiry sweep.
	SweepInterval time.Duration `mapstructure:"sweep-interval"`

	// CacheSize is the max number of items in in-memory caches.
	CacheSize int `mapstructure:"cache-size"`

	// AgreedBacklog is the capacity of the buffer between the agreement
	// poller and the churn engine.
	AgreedBacklog int `mapstructure:"agreed-backlog"`

	// Store activates persistant storage.
	Store bool `mapstructure:"store"`

	// DatabaseDir is the directory containing database files.
	DatabaseDir string `mapstructure:"db"`

	// Moniker defines the friendly name of this node
	Moniker string `mapstructure:"moniker"`

	// Key is the private key of the node.
	Key *ecdsa.PrivateKey

	logger *logrus.Logger
}

// NewDefaultConfig returns a config object with default values.
func NewDefaultConfig() *Config {
	config := &Config{
		DataDir:        DefaultDataDir(),
		LogLevel:       DefaultLogLevel,
		BindAddr:       DefaultBindAddr,
		ServiceAddr:    DefaultServiceAddr,
		ElderCount:     DefaultElderCount,
		SplitBuffer:    DefaultSplitBuffer,
		ProbeRounds:    DefaultProbeRounds,
		ProbeInterval:  DefaultProbeInterval,
		AccumulatorTTL: DefaultAccumulatorTTL,
		SweepInterval:  DefaultSweepInterval,
		CacheSize:      DefaultCacheSize,
		AgreedBacklog:  DefaultAgreedBacklog,
		Store:          DefaultStore,
		DatabaseDir:    DefaultDatabaseDir(),
	}

	return config
}

// NewTestConfig returns a config object with default values and a special
// logger for debugging tests.
func NewTestConfig(t testing.TB, level logrus.Level) *Config {
	config := NewDefaultConfig()
	config.logger = common.NewTestLogger(t, level)
	return config
}

// SetDataDir sets the top-level data directory, and updates the database
// directory if it is currently set to the default value. If the database
// directory is not currently the default, it means the user has explicitely set
// it to something else, so avoid changing it again here.
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

// PeersFile returns the full path of the file containing the current elder
// set.
func (c *Config) PeersFile() string {
	return filepath.Join(c.DataDir, DefaultPeersFile)
}

// GenesisPeersFile returns the full path of the file containing the genesis
// elder set.
func (c *Config) GenesisPeersFile() string {
	return filepath.Join(c.DataDir, DefaultGenesisPeersFile)
}

// SetLogger lets callers install a pre-built logger, hooks included. The
// level and formatter are left untouched.
func (c *Config) SetLogger(logger *logrus.Logger) {
	c.logger = logger
}

// Logger returns a formatted logrus Entry, with prefix set to "routing".
func (c *Config) Logger() *logrus.Entry {
	if c.logger == nil {
		c.logger = logrus.New()
		c.logger.Level = LogLevel(c.LogLevel)
		c.logger.Formatter = new(prefixed.TextFormatter)
	}
	return c.logger.WithField("prefix", "routing")
}

// DefaultDatabaseDir returns the default path for the badger database files.
func DefaultDatabaseDir() string {
	return filepath.Join(DefaultDataDir(), DefaultBadgerFile)
}

// DefaultDataDir return the default directory name for top-level config
// based on the underlying OS, attempting to respect conventions.
func DefaultDataDir() string {
	// Try to place the data folder in the user's home dir
	home := HomeDir()
	if home != "" {
		if runtime.GOOS == "darwin" {
			return filepath.Join(home, ".SectorNet")
		} else if runtime.GOOS == "windows" {
			return filepath.Join(home, "AppData", "Roaming", "SectorNet")
		} else {
			return filepath.Join(home, ".sectornet")
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
	default:
		return logrus.DebugLevel
	}
}
