package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	verbose    bool
	rootCmd    = &cobra.Command{
		Use:   "agent-runner",
		Short: "agent-runner - persona run orchestrator",
		Long: `agent-runner executes independent review personas against a snapshot of a
repository, on demand or on a schedule, and persists auditable run records
under .agent-runner/runs/.`,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
