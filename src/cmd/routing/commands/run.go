package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rifflock/lfshook"
	"github.com/sectornet/routing/src/chain"
	"github.com/sectornet/routing/src/config"
	"github.com/sectornet/routing/src/consensus"
	"github.com/sectornet/routing/src/crypto/keys"
	"github.com/sectornet/routing/src/net"
	"github.com/sectornet/routing/src/node"
	"github.com/sectornet/routing/src/peers"
	"github.com/sectornet/routing/src/service"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	joinAddr    string
	joinTimeout time.Duration
	logFile     string
)

//NewRunCmd returns the command that starts a routing node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runRouting,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runRouting(cmd *cobra.Command, args []string) error {
	logger := _config.Logger()

	simpleKeyfile := keys.NewSimpleKeyfile(_config.Keyfile())
	key, err := simpleKeyfile.ReadKey()
	if err != nil {
		return fmt.Errorf("Reading key from %s: %s", _config.Keyfile(), err)
	}
	_config.Key = key

	genesisStore := peers.NewJSONElderSet(_config.DataDir, false)
	genesisElders, err := genesisStore.ElderSet()
	if err != nil {
		return fmt.Errorf("Reading genesis elders: %s", err)
	}
	if genesisElders == nil || genesisElders.Len() < 1 {
		return fmt.Errorf("%s should define at least one peer", _config.GenesisPeersFile())
	}

	genesis := chain.NewBlock(chain.BlockBody{
		Index:  0,
		Prefix: "",
		Kind:   chain.BlockGenesis,
		Elders: genesisElders.Elders,
	})

	trans, err := net.NewTCPTransport(_config.BindAddr, _config.AdvertiseAddr, logger)
	if err != nil {
		return fmt.Errorf("Creating TCP transport: %s", err)
	}

	validator := node.NewValidator(key, _config.Moniker)

	//The agreement primitive is pluggable. The daemon runs a local ordering
	//instance; votes still reach fellow elders over the wire and every elder
	//submits them to its own instance.
	agreement := consensus.NewInmemHub().Join()

	routingNode, err := node.NewNode(_config, validator, genesis, trans, agreement)
	if err != nil {
		return fmt.Errorf("Creating node: %s", err)
	}

	if joinAddr != "" {
		if err := routingNode.Join(joinAddr, joinTimeout); err != nil {
			return fmt.Errorf("Joining via %s: %s", joinAddr, err)
		}
	} else {
		if err := routingNode.Init(); err != nil {
			return fmt.Errorf("Initializing node: %s", err)
		}
	}

	routingNode.Run()

	if _config.ServiceAddr != "" {
		serviceServer := service.NewService(_config.ServiceAddr, routingNode, logger)
		go serviceServer.Serve()
	}

	go func() {
		for delivered := range routingNode.Delivered() {
			logger.WithFields(logrus.Fields{
				"src":    delivered.Message.Src,
				"dest":   delivered.Message.Dest,
				"shares": len(delivered.Proof),
			}).Info("Delivered message")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	routingNode.Shutdown()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

//AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for the routing node")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for the routing node")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for the HTTP service")

	// Section management
	cmd.Flags().Int("elder-count", _config.ElderCount, "Target number of elders per section")
	cmd.Flags().Int("split-buffer", _config.SplitBuffer, "Safety margin over elder-count before a section splits")
	cmd.Flags().Int("probe-rounds", _config.ProbeRounds, "Missed liveness probes before voting a member offline")
	cmd.Flags().Duration("probe-interval", _config.ProbeInterval, "Time between liveness probes")

	// Message accumulation
	cmd.Flags().Duration("accumulator-ttl", _config.AccumulatorTTL, "How long an incomplete message slot is kept")
	cmd.Flags().Duration("sweep-interval", _config.SweepInterval, "Frequency of the accumulator expiry sweep")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Use badgerDB instead of in-mem DB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().Int("cache-size", _config.CacheSize, "Number of items in LRU caches")
	cmd.Flags().Int("agreed-backlog", _config.AgreedBacklog, "Capacity of the agreed-vote backlog")

	// Command-local
	cmd.Flags().StringVar(&joinAddr, "join", "", "IP:Port of an existing node to catch up from")
	cmd.Flags().DurationVar(&joinTimeout, "join-timeout", 10*time.Second, "Catch-up timeout")
	cmd.Flags().StringVar(&logFile, "log-file", "", "Tee logs to this file")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db, this will update the
	// default database dir to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	if logFile != "" {
		_config.SetLogger(newLogger(logFile))
	}

	logFields := logrus.Fields{
		"routing.DataDir":        _config.DataDir,
		"routing.BindAddr":       _config.BindAddr,
		"routing.AdvertiseAddr":  _config.AdvertiseAddr,
		"routing.ServiceAddr":    _config.ServiceAddr,
		"routing.LogLevel":       _config.LogLevel,
		"routing.Moniker":        _config.Moniker,
		"routing.ElderCount":     _config.ElderCount,
		"routing.SplitBuffer":    _config.SplitBuffer,
		"routing.ProbeRounds":    _config.ProbeRounds,
		"routing.ProbeInterval":  _config.ProbeInterval,
		"routing.AccumulatorTTL": _config.AccumulatorTTL,
		"routing.SweepInterval":  _config.SweepInterval,
		"routing.CacheSize":      _config.CacheSize,
		"routing.AgreedBacklog":  _config.AgreedBacklog,
		"routing.Store":          _config.Store,
	}

	if _config.Store {
		logFields["routing.DatabaseDir"] = _config.DatabaseDir
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/routing.toml (.json, .yaml also work)
	viper.SetConfigName("routing")
	viper.AddConfigPath(_config.DataDir)

	// If a config file is found, read it in.
	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().Debugf("Using config file: %s", viper.ConfigFileUsed())
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		_config.Logger().Debugf("No config file found in: %s", _config.DataDir)
	} else {
		return err
	}

	// second unmarshal to read from config file
	return viper.Unmarshal(_config)
}

func newLogger(path string) *logrus.Logger {
	logger := logrus.New()
	logger.Level = config.LogLevel(_config.LogLevel)

	pathMap := lfshook.PathMap{}
	for _, level := range logrus.AllLevels {
		if level <= logger.Level {
			pathMap[level] = path
		}
	}

	if _, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666); err != nil {
		logger.Warnf("Failed to open %s, using default stderr", path)
		return logger
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))

	return logger
}
