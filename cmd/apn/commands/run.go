package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alpha-protocol/apn-node/src/apn"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRunCmd returns the command that starts an APN node
func NewRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run node",
		PreRunE: loadConfig,
		RunE:    runAPN,
	}
	AddRunFlags(cmd)
	return cmd
}

/*******************************************************************************
* RUN
*******************************************************************************/

func runAPN(cmd *cobra.Command, args []string) error {
	engine := apn.NewAPN(_config)

	if err := engine.Init(); err != nil {
		_config.Logger().Error("Cannot initialize engine:", err)
		return err
	}

	//Relay SIGINT and SIGTERM to a clean shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		engine.Shutdown()
	}()

	engine.Run()

	return nil
}

/*******************************************************************************
* CONFIG
*******************************************************************************/

// AddRunFlags adds flags to the Run command
func AddRunFlags(cmd *cobra.Command) {

	cmd.Flags().String("datadir", _config.DataDir, "Top-level directory for configuration and data")
	cmd.Flags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")
	cmd.Flags().String("log-file", _config.LogFile, "Duplicate log output to a file")
	cmd.Flags().String("moniker", _config.Moniker, "Optional name")
	cmd.Flags().String("mnemonic", _config.Mnemonic, "Import identity from a BIP39 recovery phrase")

	// Network
	cmd.Flags().StringP("listen", "l", _config.BindAddr, "Listen IP:Port for the direct transport")
	cmd.Flags().StringP("advertise", "a", _config.AdvertiseAddr, "Advertise IP:Port for the direct transport")
	cmd.Flags().Bool("no-direct", _config.NoDirect, "Disable the direct transport, use the relay only")
	cmd.Flags().StringSlice("bootstrap", _config.Bootstrap, "Direct-transport addresses dialed at startup")
	cmd.Flags().String("relay", _config.RelayAddr, "Address of the relay router")
	cmd.Flags().String("realm", _config.RelayRealm, "Relay realm")
	cmd.Flags().DurationP("timeout", "t", _config.TCPTimeout, "TCP timeout")

	// Heartbeat
	cmd.Flags().Duration("heartbeat", _config.HeartbeatInterval, "Time between heartbeats")
	cmd.Flags().Bool("no-heartbeat", _config.NoHeartbeat, "Listen only, do not broadcast heartbeats")

	// Service
	cmd.Flags().StringP("service-listen", "s", _config.ServiceAddr, "Listen IP:Port for HTTP service")
	cmd.Flags().Bool("no-service", _config.NoService, "Disable the HTTP service")

	// Store
	cmd.Flags().Bool("store", _config.Store, "Persist the peer registry in badgerDB")
	cmd.Flags().String("db", _config.DatabaseDir, "Database directory")
	cmd.Flags().String("ledger", _config.LedgerFile, "Reward ledger file")

	// Rewards
	cmd.Flags().Duration("tracker-interval", _config.TrackerInterval, "Reward tracker sweep interval")
	cmd.Flags().Duration("batch-interval", _config.BatchInterval, "Settlement batch interval")
	cmd.Flags().Float64("min-distribution", _config.MinDistribution, "Minimum pending VIBE before settlement")
	cmd.Flags().Duration("confirm-interval", _config.ConfirmInterval, "Confirmation polling interval")
	cmd.Flags().String("settlement-url", _config.SettlementURL, "Base URL of the settlement gateway")
}

func loadConfig(cmd *cobra.Command, args []string) error {

	err := bindFlagsLoadViper(cmd)
	if err != nil {
		return err
	}

	// If --datadir was explicitely set, but not --db or --ledger, this will
	// update the default paths to be inside the new datadir
	_config.SetDataDir(_config.DataDir)

	logFields := logrus.Fields{
		"DataDir":           _config.DataDir,
		"BindAddr":          _config.BindAddr,
		"AdvertiseAddr":     _config.AdvertiseAddr,
		"NoDirect":          _config.NoDirect,
		"RelayAddr":         _config.RelayAddr,
		"RelayRealm":        _config.RelayRealm,
		"ServiceAddr":       _config.ServiceAddr,
		"Store":             _config.Store,
		"LogLevel":          _config.LogLevel,
		"Moniker":           _config.Moniker,
		"HeartbeatInterval": _config.HeartbeatInterval,
		"TCPTimeout":        _config.TCPTimeout,
		"TrackerInterval":   _config.TrackerInterval,
		"BatchInterval":     _config.BatchInterval,
		"MinDistribution":   _config.MinDistribution,
		"ConfirmInterval":   _config.ConfirmInterval,
		"SettlementURL":     _config.SettlementURL,
	}

	if _config.Store {
		logFields["DatabaseDir"] = _config.DatabaseDir
	}

	_config.Logger().WithFields(logFields).Debug("RUN")

	return nil
}

// Bind all flags and read the config into viper
func bindFlagsLoadViper(cmd *cobra.Command) error {
	// Register flags with viper. Include flags from this command and all
	// other persistent flags from the parent
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	// first unmarshal to read from CLI flags
	if err := viper.Unmarshal(_config); err != nil {
		return err
	}

	// look for config file in [datadir]/apn.toml (.json, .yaml also work)
	viper.SetConfigName("apn")            // name of config file (without extension)
	viper.AddConfigPath(_config.DataDir)  // search root directory

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
