package commands

import (
	"fmt"
	"os"

	"github.com/rifflock/lfshook"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/meshnetworks/meshdag/src/config"
)

var _config = config.NewDefaultConfig()

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringP("datadir", "d", _config.DataDir, "Top-level directory for configuration and data")
	RootCmd.PersistentFlags().String("log", _config.LogLevel, "debug, info, warn, error, fatal, panic")

	RootCmd.AddCommand(
		NewRunCmd(),
		NewKeygenCmd(),
		NewVersionCmd(),
	)
}

// RootCmd is the root command for meshdag.
var RootCmd = &cobra.Command{
	Use:              "meshdag",
	Short:            "meshdag DAG-ledger replication",
	TraverseChildren: true,
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func initConfig() {
	if datadir, err := RootCmd.PersistentFlags().GetString("datadir"); err == nil {
		viper.AddConfigPath(datadir)
	}
	viper.SetConfigName("meshdag")

	viper.BindPFlags(RootCmd.PersistentFlags())

	if err := viper.ReadInConfig(); err == nil {
		_config.Logger().WithField("file", viper.ConfigFileUsed()).Debug("Using config file")
	}

	if err := viper.Unmarshal(_config); err != nil {
		_config.Logger().WithError(err).Warn("Failed to parse config, taking cli or default")
	}

	_config.SetDataDir(_config.DataDir)
}

// newFileLogger returns a logger that also mirrors info and debug output to
// log files in the working directory.
func newFileLogger(level logrus.Level) *logrus.Logger {
	logger := logrus.New()
	logger.Level = level

	pathMap := lfshook.PathMap{}

	if _, err := os.OpenFile("meshdag_info.log", os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open meshdag_info.log file, using default stderr")
	} else {
		pathMap[logrus.InfoLevel] = "meshdag_info.log"
	}

	if _, err := os.OpenFile("meshdag_debug.log", os.O_CREATE|os.O_WRONLY, 0666); err != nil {
		logger.Info("Failed to open meshdag_debug.log file, using default stderr")
	} else {
		pathMap[logrus.DebugLevel] = "meshdag_debug.log"
	}

	logger.Hooks.Add(lfshook.NewHook(
		pathMap,
		&logrus.TextFormatter{},
	))

	return logger
}
