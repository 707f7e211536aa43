package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fentz26/gatekeep/internal/execution"
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Perform an approved outward action",
	Long: `Asks the daemon to perform an action. It only proceeds when exactly one
approved record matches the action type and the --match fields, and the
action's rate-limit category still has budget. Every --param value is matched
against the approved payload too, so only the approved action can be sent.`,
	RunE: runExec,
}

var (
	execAction string
	execParams []string
	execMatch  []string
)

func init() {
	execCmd.Flags().StringVar(&execAction, "action", "", "Action type, e.g. email_send (required)")
	execCmd.Flags().StringArrayVar(&execParams, "param", nil, "Action parameter as key=value (repeatable)")
	execCmd.Flags().StringArrayVar(&execMatch, "match", nil, "Approval field to match as key=value (repeatable)")
	execCmd.MarkFlagRequired("action")
}

func runExec(cmd *cobra.Command, args []string) error {
	params, err := parseKV(execParams)
	if err != nil {
		return err
	}
	match, err := parseKV(execMatch)
	if err != nil {
		return err
	}

	resp, err := apiPost("/execute", execution.Request{ActionType: execAction, Params: toAny(params), Match: match})
	if err != nil {
		return err
	}

	var out execution.Outcome
	if err := json.Unmarshal(resp, &out); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if out.DryRun {
		fmt.Fprintf(w, "Dry run: %s would run against record %s\n", execAction, truncateID(out.RecordID))
	} else {
		fmt.Fprintf(w, "Executed %s for record %s\n", execAction, truncateID(out.RecordID))
	}
	if out.ExternalID != "" {
		fmt.Fprintf(w, "  external id: %s\n", out.ExternalID)
	}
	if out.Detail != "" {
		fmt.Fprintf(w, "  detail: %s\n", truncate(out.Detail, 200))
	}
	fmt.Fprintf(w, "  remaining budget: %d\n", out.Remaining)
	return nil
}
