package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/gatekeep/internal/models"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show recent audit events",
	RunE:  runAudit,
}

var (
	auditRecord string
	auditLimit  int
)

func init() {
	auditCmd.Flags().StringVar(&auditRecord, "record", "", "Only events for this record")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum events to show")
}

func runAudit(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(auditLimit))
	if auditRecord != "" {
		q.Set("record_id", auditRecord)
	}

	resp, err := apiGet("/audit?" + q.Encode())
	if err != nil {
		return err
	}

	var events []models.AuditEvent
	if err := json.Unmarshal(resp, &events); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "No audit events")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTOR\tACTION\tRESULT\tTARGET\tRECORD\tERROR")
	for _, ev := range events {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.Timestamp.Local().Format("2006-01-02 15:04:05"),
			ev.Actor, ev.ActionType, ev.Result,
			truncate(ev.Target, 30), truncateID(ev.RecordID), truncate(ev.Error, 40))
	}
	return w.Flush()
}
