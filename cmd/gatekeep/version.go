package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/gatekeep/internal/controlplane"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the client and daemon versions",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "gatekeep %s\n", controlplane.Version)

		health, err := CheckHealth()
		if health == nil {
			fmt.Fprintf(out, "daemon:   unreachable (%v)\n", err)
			return nil
		}
		mode := "live"
		if health.DryRun {
			mode = "dry run"
		}
		fmt.Fprintf(out, "daemon:   %s (db %s, %s)\n", health.Version, health.DB, mode)
		return nil
	},
}
