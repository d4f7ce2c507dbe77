package cli

import (
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/sdbondi/tari-dan/lib"
	"github.com/spf13/cobra"
)

// SoftwareVersion is the version printed by the version command
const SoftwareVersion = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "dan",
	Short: "the sharded hotstuff consensus core of a validator node",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		config = InitializeDataDirectory(DataDir, lib.NewDefaultLogger())
		l = lib.NewLogger(lib.LoggerConfig{Level: config.GetLogLevel()}, DataDir)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(SoftwareVersion)
	},
}

var (
	config, l = lib.Config{}, lib.LoggerI(nil)
	DataDir   = ""
)

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(simulateCmd)
	rootCmd.AddCommand(genesisCmd)
	rootCmd.PersistentFlags().StringVar(&DataDir, "data-dir", lib.DefaultDataDirPath(), "custom data directory location")
}

// Execute() runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

// waitForKill() returns a channel closed once a kill signal is received
func waitForKill() <-chan struct{} {
	stop, done := make(chan os.Signal, 1), make(chan struct{})
	signal.Notify(stop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM, syscall.SIGABRT)
	go func() {
		s := <-stop
		l.Infof("Exit command %s received", s)
		close(done)
	}()
	return done
}

// InitializeDataDirectory() populates the data directory with the configuration file if missing and loads it
func InitializeDataDirectory(dataDirPath string, log lib.LoggerI) (c lib.Config) {
	// make the data dir if missing
	if err := os.MkdirAll(dataDirPath, os.ModePerm); err != nil {
		log.Fatal(err.Error())
	}
	// make the config.json file if missing
	configFilePath := filepath.Join(dataDirPath, lib.ConfigFilePath)
	if _, err := os.Stat(configFilePath); errors.Is(err, os.ErrNotExist) {
		log.Infof("Creating %s file", lib.ConfigFilePath)
		c = lib.DefaultConfig()
		c.DataDirPath = dataDirPath
		if err = c.WriteToFile(configFilePath); err != nil {
			log.Fatal(err.Error())
		}
	}
	c, err := lib.NewConfigFromFile(configFilePath)
	if err != nil {
		log.Fatal(err.Error())
	}
	c.DataDirPath = dataDirPath
	return c
}
