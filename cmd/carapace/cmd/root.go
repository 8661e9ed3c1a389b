// Package cmd provides the CLI commands for Carapace.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/thiesgerken/carapace/internal/config"
)

// dataDir is the resolved data root, set before any command runs.
var dataDir string

var dataDirFlag string

var rootCmd = &cobra.Command{
	Use:   "carapace",
	Short: "Carapace - security gateway for a personal AI agent",
	Long: `Carapace interposes a security pipeline between an LLM agent and every
tool invocation: each operation is classified, matched against
plain-English rules whose activation depends on the session history, and
either allowed, gated behind a user approval, or blocked.

Quick start:
  1. Set CARAPACE_LLM_API_KEY
  2. Run: carapace start
  3. Connect a client with the token from <data-dir>/server.token

Configuration:
  The data directory (default ./data, override with --data-dir or
  CARAPACE_DATA_DIR) holds config.yaml, rules.yaml, sessions/, and the
  bearer token. Environment variables with the CARAPACE_ prefix override
  config values, e.g. CARAPACE_SERVER_PORT=9000.

Commands:
  start       Start the gateway server
  sessions    List or delete sessions
  token       Print the server bearer token
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&dataDirFlag, "data-dir", "", "data directory (default: $CARAPACE_DATA_DIR or ./data)")
}

func initConfig() {
	if dataDirFlag != "" {
		if err := os.Setenv("CARAPACE_DATA_DIR", dataDirFlag); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
	dir, err := config.DataDir()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	dataDir = dir
	config.InitViper(dataDir)
}
