// Package controlplane provides the HTTP API and service layer for gatekeep.
package controlplane

import (
	"context"
	"fmt"
	"strings"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/fentz26/gatekeep/internal/execution"
	"github.com/fentz26/gatekeep/internal/models"
	"github.com/fentz26/gatekeep/internal/store"
	"github.com/fentz26/gatekeep/internal/telemetry"
	"github.com/fentz26/gatekeep/internal/watcher"
	"github.com/fentz26/gatekeep/internal/workflow"
)

// Version is reported by /health and the CLI. Overridden at build time.
var Version = "0.1.0-dev"

const (
	defaultListLimit  = 100
	defaultAuditLimit = 50
	maxListLimit      = 1000
)

// WatcherStatus reports the state of the ingestion loops.
type WatcherStatus interface {
	Statuses() []watcher.Status
}

// Service provides the control plane business logic.
type Service struct {
	store    *store.Store
	machine  *workflow.Machine
	exec     *execution.Service
	watchers WatcherStatus
	reader   *sdkmetric.ManualReader
}

// NewService creates a new control plane service.
func NewService(st *store.Store, m *workflow.Machine, exec *execution.Service) *Service {
	return &Service{store: st, machine: m, exec: exec}
}

// SetWatchers wires the watcher manager for /watchers.
func (s *Service) SetWatchers(w WatcherStatus) { s.watchers = w }

// SetMetricsReader wires the reader behind /metrics.
func (s *Service) SetMetricsReader(r *sdkmetric.ManualReader) { s.reader = r }

// --- Record Operations ---

// CreateRecordRequest creates a plan or approval request in plan_draft.
type CreateRecordRequest struct {
	Kind             models.Kind        `json:"kind"`
	ActionType       string             `json:"action_type"`
	Priority         models.Priority    `json:"priority"`
	Source           string             `json:"source"`
	Summary          string             `json:"summary"`
	Payload          map[string]any     `json:"payload"`
	RequiresApproval *bool              `json:"requires_approval"`
	Sensitivity      models.Sensitivity `json:"sensitivity"`
}

// CreateRecord creates a plan. Records from sources are created by the
// watchers, not through here.
func (s *Service) CreateRecord(ctx context.Context, req CreateRecordRequest) (*models.Record, error) {
	if req.Kind == "" {
		req.Kind = models.KindPlan
	}
	if req.Kind == models.KindIngestedItem {
		return nil, &models.ValidationError{Field: "kind", Reason: "ingested items are created by watchers"}
	}
	if req.Priority == "" {
		req.Priority = models.PriorityMedium
	}
	if req.Source == "" {
		req.Source = "manual"
	}

	rec := &models.Record{
		Kind:       req.Kind,
		Stage:      models.StagePlanDraft,
		Priority:   req.Priority,
		Source:     req.Source,
		ActionType: strings.TrimSpace(req.ActionType),
		Summary:    req.Summary,
		Payload:    req.Payload,
	}
	if req.RequiresApproval != nil || req.Sensitivity != "" {
		rec.Approval = &models.ApprovalFields{Sensitivity: req.Sensitivity}
		if req.RequiresApproval != nil {
			rec.Approval.RequiresApproval = *req.RequiresApproval
		}
	}
	return s.machine.Create(ctx, rec)
}

// GetRecord retrieves a record by ID.
func (s *Service) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	return s.machine.Get(ctx, id)
}

// ListRecords returns records filtered by stage and kind.
func (s *Service) ListRecords(ctx context.Context, stage, kind string, limit int) ([]models.Record, error) {
	f := store.RecordFilter{Limit: clampLimit(limit, defaultListLimit)}
	if stage != "" {
		st := models.Stage(stage)
		if !st.Valid() {
			return nil, &models.ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", stage)}
		}
		f.Stage = st
	}
	if kind != "" {
		f.Kinds = []models.Kind{models.Kind(kind)}
	}
	recs, err := s.store.ListRecords(ctx, f)
	if err != nil {
		return nil, models.Storage("list records", err)
	}
	return recs, nil
}

// TransitionRequest moves a record to another stage. ExpectedVersion, when
// set, must equal the record's current version.
type TransitionRequest struct {
	To               models.Stage       `json:"to"`
	ExpectedVersion  int                `json:"expected_version"`
	ActionType       string             `json:"action_type"`
	Payload          map[string]any     `json:"payload"`
	RequiresApproval *bool              `json:"requires_approval"`
	Sensitivity      models.Sensitivity `json:"sensitivity"`
	ApprovedBy       string             `json:"approved_by"`
	RejectedBy       string             `json:"rejected_by"`
	RejectionReason  string             `json:"rejection_reason"`
	Result           models.Result      `json:"result"`
}

// Transition applies req to the record id.
func (s *Service) Transition(ctx context.Context, id string, req TransitionRequest) (*models.Record, error) {
	rec, err := s.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.ExpectedVersion != 0 && req.ExpectedVersion != rec.Version {
		return nil, &models.TransitionConflictError{
			RecordID: id, From: rec.Stage, To: req.To,
			Reason: fmt.Sprintf("expected version %d, found %d", req.ExpectedVersion, rec.Version),
		}
	}
	if rec.Stage == models.StageApproved && req.To == models.StageDone {
		// Only a successful execution retires an approval.
		return nil, &models.TransitionConflictError{
			RecordID: id, From: rec.Stage, To: req.To,
			Reason: "approved records are completed by POST /execute",
		}
	}
	return s.machine.Transition(ctx, rec, req.To, workflow.Fields{
		RequiresApproval: req.RequiresApproval,
		Sensitivity:      req.Sensitivity,
		ActionType:       req.ActionType,
		Payload:          req.Payload,
		ApprovedBy:       req.ApprovedBy,
		RejectedBy:       req.RejectedBy,
		RejectionReason:  req.RejectionReason,
		Result:           req.Result,
	})
}

// Approve resolves a pending record as approved by approver.
func (s *Service) Approve(ctx context.Context, id, approver string) (*models.Record, error) {
	return s.machine.TransitionByID(ctx, id, models.StageApproved, workflow.Fields{ApprovedBy: approver})
}

// Reject resolves a pending record as rejected with reason.
func (s *Service) Reject(ctx context.Context, id, rejectedBy, reason string) (*models.Record, error) {
	return s.machine.TransitionByID(ctx, id, models.StageRejected, workflow.Fields{RejectedBy: rejectedBy, RejectionReason: reason})
}

// --- Execution ---

// Execute runs an outward action through the gate.
func (s *Service) Execute(ctx context.Context, req execution.Request) (*execution.Outcome, error) {
	return s.exec.Execute(ctx, req)
}

// DryRun reports whether actions are simulated.
func (s *Service) DryRun() bool { return s.exec != nil && s.exec.DryRun() }

// --- Audit and status ---

// Audit returns recent audit events, optionally for one record.
func (s *Service) Audit(ctx context.Context, recordID string, limit int) ([]models.AuditEvent, error) {
	events, err := s.store.ListAudit(ctx, store.AuditFilter{RecordID: recordID, Limit: clampLimit(limit, defaultAuditLimit)})
	if err != nil {
		return nil, models.Storage("list audit", err)
	}
	return events, nil
}

// Watchers returns the state of every ingestion loop.
func (s *Service) Watchers() []watcher.Status {
	if s.watchers == nil {
		return []watcher.Status{}
	}
	return s.watchers.Statuses()
}

// Metrics collects the current counter values.
func (s *Service) Metrics(ctx context.Context) ([]telemetry.Point, error) {
	if s.reader == nil {
		return []telemetry.Point{}, nil
	}
	return telemetry.Snapshot(ctx, s.reader)
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func clampLimit(n, def int) int {
	switch {
	case n <= 0:
		return def
	case n > maxListLimit:
		return maxListLimit
	}
	return n
}
