package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/telhawk-systems/telhawk-tiering/internal/config"
	"github.com/telhawk-systems/telhawk-tiering/internal/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tierd",
	Short: "TelHawk tiering service",
	Long: `tierd ingests security events from the upstream indexer, normalizes them
and manages their lifecycle across the hot, warm and cold tiers.

Run "tierd serve" for the long-running service or "tierd run <job>" to
execute a single maintenance job and exit.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and reports a failure on stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/telhawk/tiering/config.yaml)")
	rootCmd.AddCommand(serveCmd, runCmd, jobsCmd)
}

// loadConfig reads configuration and installs the default logger.
func loadConfig() (*config.Config, *logging.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format).
		With("service", "tierd")
	logging.SetDefault(logger)
	return cfg, logger, nil
}
