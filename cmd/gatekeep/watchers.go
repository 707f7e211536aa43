package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/gatekeep/internal/watcher"
)

var watchersCmd = &cobra.Command{
	Use:   "watchers",
	Short: "Show the state of each ingestion source",
	RunE:  runWatchers,
}

func runWatchers(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/watchers")
	if err != nil {
		return err
	}

	var statuses []watcher.Status
	if err := json.Unmarshal(resp, &statuses); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(statuses) == 0 {
		fmt.Fprintln(out, "No watchers configured")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tSTATE\tHEALTH\tFAILURES\tADMITTED\tDUPLICATES\tLAST SUCCESS\tLAST ERROR")
	for _, s := range statuses {
		health := "ok"
		if s.Degraded {
			health = "degraded"
		}
		last := "-"
		if s.LastSuccess != nil {
			last = s.LastSuccess.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			s.Source, s.State, health, s.ConsecutiveFailures, s.Admitted, s.Duplicates, last, truncate(s.LastError, 50))
	}
	return w.Flush()
}
