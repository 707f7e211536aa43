package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fentz26/gatekeep/internal/controlplane"
	"github.com/fentz26/gatekeep/internal/models"
)

var recordCmd = &cobra.Command{
	Use:     "record",
	Aliases: []string{"records"},
	Short:   "Inspect and move workflow records",
}

var recordListCmd = &cobra.Command{
	Use:   "list",
	Short: "List records",
	RunE:  runRecordList,
}

var recordShowCmd = &cobra.Command{
	Use:   "show [record-id]",
	Short: "Show a record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordShow,
}

var recordCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Draft a plan for an outward action",
	RunE:  runRecordCreate,
}

var recordApproveCmd = &cobra.Command{
	Use:   "approve [record-id]",
	Short: "Approve a pending record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordApprove,
}

var recordRejectCmd = &cobra.Command{
	Use:   "reject [record-id]",
	Short: "Reject a pending record",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordReject,
}

var recordAdvanceCmd = &cobra.Command{
	Use:   "advance [record-id]",
	Short: "Move a record to another stage",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecordAdvance,
}

var (
	recStage       string
	recKind        string
	recLimit       int
	recAction      string
	recSummary     string
	recPriority    string
	recSensitivity string
	recApproval    bool
	recParams      []string
	recReason      string
	recTo          string
	recResult      string
	recVersion     int
)

func init() {
	recordCmd.AddCommand(recordListCmd, recordShowCmd, recordCreateCmd, recordApproveCmd, recordRejectCmd, recordAdvanceCmd)

	recordListCmd.Flags().StringVar(&recStage, "stage", "", "Filter by stage (inbox, needs_action, plan_draft, pending_approval, approved, rejected, done)")
	recordListCmd.Flags().StringVar(&recKind, "kind", "", "Filter by kind (ingested_item, plan, approval_request)")
	recordListCmd.Flags().IntVar(&recLimit, "limit", 0, "Maximum records to list")

	recordCreateCmd.Flags().StringVar(&recAction, "action", "", "Action type, e.g. email_send (required)")
	recordCreateCmd.Flags().StringVar(&recSummary, "summary", "", "Short description")
	recordCreateCmd.Flags().StringVar(&recPriority, "priority", "", "Priority (high, medium, low)")
	recordCreateCmd.Flags().StringVar(&recSensitivity, "sensitivity", "", "Sensitivity (high, medium, low)")
	recordCreateCmd.Flags().BoolVar(&recApproval, "requires-approval", false, "Route through human approval")
	recordCreateCmd.Flags().StringArrayVar(&recParams, "param", nil, "Action parameter as key=value (repeatable)")
	recordCreateCmd.MarkFlagRequired("action")

	recordRejectCmd.Flags().StringVar(&recReason, "reason", "", "Why the action is rejected (required)")
	recordRejectCmd.MarkFlagRequired("reason")

	recordAdvanceCmd.Flags().StringVar(&recTo, "to", "", "Target stage (required)")
	recordAdvanceCmd.Flags().StringVar(&recAction, "action", "", "Action type, when drafting a plan")
	recordAdvanceCmd.Flags().StringVar(&recSensitivity, "sensitivity", "", "Sensitivity (high, medium, low)")
	recordAdvanceCmd.Flags().BoolVar(&recApproval, "requires-approval", false, "Route through human approval")
	recordAdvanceCmd.Flags().StringArrayVar(&recParams, "param", nil, "Payload field as key=value (repeatable)")
	recordAdvanceCmd.Flags().StringVar(&recResult, "result", "", "Result when moving to done (success, partial, failed)")
	recordAdvanceCmd.Flags().StringVar(&recReason, "reason", "", "Rejection reason, when moving to rejected")
	recordAdvanceCmd.Flags().IntVar(&recVersion, "version", 0, "Fail unless the record is at this version")
	recordAdvanceCmd.MarkFlagRequired("to")
}

func runRecordList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if recStage != "" {
		q.Set("stage", recStage)
	}
	if recKind != "" {
		q.Set("kind", recKind)
	}
	if recLimit > 0 {
		q.Set("limit", strconv.Itoa(recLimit))
	}
	path := "/records"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := apiGet(path)
	if err != nil {
		return err
	}

	var recs []models.Record
	if err := json.Unmarshal(resp, &recs); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "No records found")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTAGE\tPRIORITY\tACTION\tSOURCE\tSUMMARY")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			truncateID(r.ID), r.Stage, r.Priority, r.ActionType, r.Source, truncate(r.Summary, 50))
	}
	return w.Flush()
}

func runRecordShow(cmd *cobra.Command, args []string) error {
	resp, err := apiGet("/records/" + url.PathEscape(args[0]))
	if err != nil {
		return err
	}

	var r models.Record
	if err := json.Unmarshal(resp, &r); err != nil {
		return err
	}
	printRecord(cmd, &r)
	return nil
}

func printRecord(cmd *cobra.Command, r *models.Record) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ID:        %s\n", r.ID)
	fmt.Fprintf(out, "Kind:      %s\n", r.Kind)
	fmt.Fprintf(out, "Stage:     %s (version %d)\n", r.Stage, r.Version)
	fmt.Fprintf(out, "Priority:  %s\n", r.Priority)
	fmt.Fprintf(out, "Source:    %s\n", r.Source)
	if r.ActionType != "" {
		fmt.Fprintf(out, "Action:    %s\n", r.ActionType)
	}
	if r.Summary != "" {
		fmt.Fprintf(out, "Summary:   %s\n", r.Summary)
	}
	if a := r.Approval; a != nil {
		fmt.Fprintf(out, "Approval:  sensitivity=%s requires_approval=%t", a.Sensitivity, a.RequiresApproval)
		if a.ApprovedBy != "" {
			fmt.Fprintf(out, " approved_by=%s", a.ApprovedBy)
		}
		if a.RejectionReason != "" {
			fmt.Fprintf(out, " rejected_by=%s reason=%q", a.RejectedBy, a.RejectionReason)
		}
		fmt.Fprintln(out)
	}
	if r.Result != "" {
		fmt.Fprintf(out, "Result:    %s\n", r.Result)
	}
	if len(r.Payload) > 0 {
		keys := make([]string, 0, len(r.Payload))
		for k := range r.Payload {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(out, "Payload:")
		for _, k := range keys {
			fmt.Fprintf(out, "  %s: %v\n", k, r.Payload[k])
		}
	}
}

func runRecordCreate(cmd *cobra.Command, args []string) error {
	params, err := parseKV(recParams)
	if err != nil {
		return err
	}
	req := controlplane.CreateRecordRequest{
		ActionType:  recAction,
		Summary:     recSummary,
		Priority:    models.Priority(recPriority),
		Sensitivity: models.Sensitivity(recSensitivity),
		Payload:     toAny(params),
	}
	if cmd.Flags().Changed("requires-approval") {
		req.RequiresApproval = &recApproval
	}

	resp, err := apiPost("/records", req)
	if err != nil {
		return err
	}
	var r models.Record
	if err := json.Unmarshal(resp, &r); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s in %s\n", r.ID, r.Stage)
	return nil
}

func runRecordApprove(cmd *cobra.Command, args []string) error {
	resp, err := apiPost("/records/"+url.PathEscape(args[0])+"/approve", map[string]string{"approved_by": actor})
	if err != nil {
		return err
	}
	var r models.Record
	if err := json.Unmarshal(resp, &r); err != nil {
		return err
	}
	by := actor
	if r.Approval != nil {
		by = r.Approval.ApprovedBy
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Approved %s as %s\n", truncateID(r.ID), by)
	return nil
}

func runRecordReject(cmd *cobra.Command, args []string) error {
	body := map[string]string{"rejected_by": actor, "reason": recReason}
	if _, err := apiPost("/records/"+url.PathEscape(args[0])+"/reject", body); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s\n", truncateID(args[0]))
	return nil
}

func runRecordAdvance(cmd *cobra.Command, args []string) error {
	params, err := parseKV(recParams)
	if err != nil {
		return err
	}
	req := controlplane.TransitionRequest{
		To:              models.Stage(recTo),
		ExpectedVersion: recVersion,
		ActionType:      recAction,
		Payload:         toAny(params),
		Sensitivity:     models.Sensitivity(recSensitivity),
		Result:          models.Result(recResult),
		RejectionReason: recReason,
	}
	if cmd.Flags().Changed("requires-approval") {
		req.RequiresApproval = &recApproval
	}
	switch req.To {
	case models.StageApproved:
		req.ApprovedBy = actor
	case models.StageRejected:
		req.RejectedBy = actor
	}

	resp, err := apiPost("/records/"+url.PathEscape(args[0])+"/transition", req)
	if err != nil {
		return err
	}
	var r models.Record
	if err := json.Unmarshal(resp, &r); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s (version %d)\n", truncateID(r.ID), r.Stage, r.Version)
	return nil
}
