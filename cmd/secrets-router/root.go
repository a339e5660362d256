package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mercator-hq/secretsrouter/pkg/cli"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "secrets-router",
	Short: "Zero-trust secret access broker",
	Long: `secrets-router brokers secret reads for Kubernetes workloads.

Each read is authenticated, checked against declarative policies, optionally
held for human approval, fetched from the configured secret stores, and
recorded in the audit trail.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.ExitCode(err))
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (environment only when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
