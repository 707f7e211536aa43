package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gatekeep",
	Short: "gatekeep - approval-gated action pipeline",
	Long: `gatekeep watches sources for incoming items, tracks them through a review
workflow and only performs outward actions that a human approved, within
per-category rate limits. Every step is written to an audit log.`,
	SilenceUsage: true,
	// No RunE - defaults to showing help when no subcommand is provided
}

var (
	apiAddr    string
	configPath string
	actor      string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiAddr, "api", "http://127.0.0.1:7477", "API server address")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.gatekeep/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&actor, "actor", defaultActor(), "Name recorded on approvals and audit events")

	// Add subcommands
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(watchersCmd)
	rootCmd.AddCommand(reviewCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

func defaultActor() string {
	hostname, _ := os.Hostname()
	user := os.Getenv("USER")
	if user == "" {
		user = "cli"
	}
	return fmt.Sprintf("%s@%s", user, hostname)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
