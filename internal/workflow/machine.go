// Package workflow moves records through their lifecycle stages.
//
// Every transition is checked against the edge table, the conditional field
// rules and the target stage's JSON Schema before it is committed with a
// compare-and-swap on (stage, version). A failed transition writes nothing.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fentz26/gatekeep/internal/audit"
	"github.com/fentz26/gatekeep/internal/canonical"
	"github.com/fentz26/gatekeep/internal/clock"
	"github.com/fentz26/gatekeep/internal/models"
	"github.com/fentz26/gatekeep/internal/store"
	"github.com/fentz26/gatekeep/internal/telemetry"
)

// AutoApprover is recorded as approved_by when a plan needs no approval.
const AutoApprover = "auto"

// Store is the persistence the machine needs. *store.Store satisfies it.
type Store interface {
	CreateRecord(ctx context.Context, rec *models.Record) error
	GetRecord(ctx context.Context, id string) (*models.Record, error)
	ListRecords(ctx context.Context, f store.RecordFilter) ([]models.Record, error)
	UpdateRecordCAS(ctx context.Context, rec *models.Record, fromStage models.Stage, fromVersion int) error
}

var edges = map[models.Stage][]models.Stage{
	models.StageInbox:           {models.StageNeedsAction},
	models.StageNeedsAction:     {models.StagePlanDraft},
	models.StagePlanDraft:       {models.StagePendingApproval, models.StageApproved},
	models.StagePendingApproval: {models.StageApproved, models.StageRejected},
	models.StageApproved:        {models.StageDone},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to models.Stage) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Next lists the stages reachable from s in one step.
func Next(s models.Stage) []models.Stage {
	return append([]models.Stage(nil), edges[s]...)
}

// Fields carries the values a transition may need. Only those relevant to
// the edge are read.
type Fields struct {
	RequiresApproval *bool
	Sensitivity      models.Sensitivity
	ActionType       string
	Payload          map[string]any
	ApprovedBy       string
	RejectedBy       string
	RejectionReason  string
	Result           models.Result
}

// Machine validates and commits stage transitions.
type Machine struct {
	store   Store
	audit   *audit.Log
	schemas map[models.Stage]*jsonschema.Schema
	clock   clock.Clock
	log     zerolog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Machine.
type Option func(*Machine)

func WithClock(c clock.Clock) Option          { return func(m *Machine) { m.clock = c } }
func WithLogger(l zerolog.Logger) Option      { return func(m *Machine) { m.log = l } }
func WithMetrics(t *telemetry.Metrics) Option { return func(m *Machine) { m.metrics = t } }

// New creates a Machine. It fails only if the embedded schemas do not compile.
func New(st Store, al *audit.Log, opts ...Option) (*Machine, error) {
	schemas, err := compileSchemas()
	if err != nil {
		return nil, err
	}
	m := &Machine{
		store:   st,
		audit:   al,
		schemas: schemas,
		clock:   clock.Real{},
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Create persists a new record at its entry stage. ID, timestamps, version
// and payload hash are assigned here.
func (m *Machine) Create(ctx context.Context, rec *models.Record) (*models.Record, error) {
	c := rec.Clone()
	if !c.Kind.Valid() {
		return nil, &models.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", c.Kind)}
	}
	if !entryStage(c.Kind, c.Stage) {
		return nil, &models.ValidationError{Field: "stage", Reason: fmt.Sprintf("%s records cannot start at %q", c.Kind, c.Stage)}
	}
	if c.Approval != nil && c.Approval.Sensitivity == models.SensitivityHigh && !c.Approval.RequiresApproval {
		return nil, &models.ValidationError{Field: "approval.requires_approval", Reason: "high sensitivity requires approval"}
	}

	now := m.clock.Now().UTC()
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Version = 1
	c.CreatedAt = now
	c.UpdatedAt = now
	if err := m.hashPayload(c); err != nil {
		return nil, err
	}
	if err := m.validateRecord(c); err != nil {
		return nil, err
	}

	if err := m.store.CreateRecord(ctx, c); err != nil {
		m.auditCreate(ctx, c, models.AuditError, err)
		return nil, models.Storage("create record", err)
	}
	m.auditCreate(ctx, c, models.AuditSuccess, nil)
	return c, nil
}

// Get loads a record by id.
func (m *Machine) Get(ctx context.Context, id string) (*models.Record, error) {
	rec, err := m.store.GetRecord(ctx, id)
	if errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, models.Storage("get record", err)
	}
	return rec, nil
}

// ListByStage projects the records currently at stage.
func (m *Machine) ListByStage(ctx context.Context, stage models.Stage, kinds ...models.Kind) ([]models.Record, error) {
	recs, err := m.store.ListRecords(ctx, store.RecordFilter{Stage: stage, Kinds: kinds})
	if err != nil {
		return nil, models.Storage("list records", err)
	}
	return recs, nil
}

// TransitionByID loads the record and transitions it.
func (m *Machine) TransitionByID(ctx context.Context, id string, target models.Stage, f Fields) (*models.Record, error) {
	rec, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.Transition(ctx, rec, target, f)
}

// Transition moves rec to target. rec is not modified; the committed record
// is returned. On any error nothing is written to the store.
func (m *Machine) Transition(ctx context.Context, rec *models.Record, target models.Stage, f Fields) (*models.Record, error) {
	start := m.clock.Now()
	next, err := m.prepare(rec, target, f)
	if err != nil {
		m.auditTransition(ctx, rec, target, models.AuditRejected, err, start)
		return nil, err
	}

	if err := m.store.UpdateRecordCAS(ctx, next, rec.Stage, rec.Version); err != nil {
		if errors.Is(err, store.ErrStale) {
			err = &models.TransitionConflictError{RecordID: rec.ID, From: rec.Stage, To: target, Reason: "record changed since it was read"}
			m.auditTransition(ctx, rec, target, models.AuditRejected, err, start)
			return nil, err
		}
		err = models.Storage("update record", err)
		m.auditTransition(ctx, rec, target, models.AuditError, err, start)
		return nil, err
	}

	m.metrics.Transition(ctx, string(rec.Stage), string(target))
	m.log.Info().Str("record_id", rec.ID).Str("from", string(rec.Stage)).Str("to", string(target)).Msg("stage transition")
	// The transition is committed; an audit failure is logged, not undone.
	m.auditTransition(ctx, rec, target, models.AuditSuccess, nil, start)
	return next, nil
}

// prepare builds and validates the candidate record for target.
func (m *Machine) prepare(rec *models.Record, target models.Stage, f Fields) (*models.Record, error) {
	if rec == nil {
		return nil, &models.ValidationError{Reason: "nil record"}
	}
	if !target.Valid() {
		return nil, &models.ValidationError{Field: "stage", Reason: fmt.Sprintf("unknown stage %q", target)}
	}
	if !CanTransition(rec.Stage, target) {
		return nil, &models.TransitionConflictError{RecordID: rec.ID, From: rec.Stage, To: target, Reason: "illegal edge"}
	}

	next := rec.Clone()
	now := m.clock.Now().UTC()
	if rec.Stage == models.StagePendingApproval && next.Approval == nil {
		return nil, &models.ValidationError{Field: "approval", Reason: "pending record has no approval fields"}
	}

	switch {
	case rec.Stage == models.StageNeedsAction && target == models.StagePlanDraft:
		next.Kind = models.KindPlan
		if f.ActionType != "" {
			next.ActionType = f.ActionType
		}
		if f.Payload != nil {
			if next.Payload == nil {
				next.Payload = map[string]any{}
			}
			for k, v := range f.Payload {
				next.Payload[k] = v
			}
		}
		if f.RequiresApproval != nil || f.Sensitivity != "" {
			next.Approval = mergeApproval(next.Approval, f)
		}

	case rec.Stage == models.StagePlanDraft:
		next.Approval = mergeApproval(next.Approval, f)
		if err := checkApprovalRequirement(next, target); err != nil {
			return nil, err
		}
		if target == models.StageApproved {
			next.Approval.ApprovedBy = AutoApprover
			next.Approval.ResolvedAt = &now
		}

	case target == models.StageApproved:
		if strings.TrimSpace(f.ApprovedBy) == "" {
			return nil, &models.ValidationError{Field: "approval.approved_by", Reason: "approver is required"}
		}
		next.Approval.ApprovedBy = strings.TrimSpace(f.ApprovedBy)
		next.Approval.ResolvedAt = &now

	case target == models.StageRejected:
		reason := strings.TrimSpace(f.RejectionReason)
		if reason == "" {
			return nil, &models.ValidationError{Field: "approval.rejection_reason", Reason: "a non-empty rejection reason is required"}
		}
		next.Approval.RejectionReason = reason
		next.Approval.RejectedBy = strings.TrimSpace(f.RejectedBy)
		next.Approval.ResolvedAt = &now

	case target == models.StageDone:
		if f.Result == "" {
			return nil, &models.ValidationError{Field: "result", Reason: "result is required"}
		}
		next.Result = f.Result
		next.CompletedAt = &now
	}

	next.Stage = target
	next.Version = rec.Version + 1
	next.UpdatedAt = now
	if err := m.hashPayload(next); err != nil {
		return nil, err
	}
	if err := m.validateRecord(next); err != nil {
		return nil, err
	}
	return next, nil
}

// checkApprovalRequirement enforces the plan_draft exits: high sensitivity
// must require approval, and requires_approval picks the edge.
func checkApprovalRequirement(next *models.Record, target models.Stage) error {
	a := next.Approval
	if a == nil || a.Sensitivity == "" {
		return &models.ValidationError{Field: "approval.sensitivity", Reason: "sensitivity is required to leave plan_draft"}
	}
	if a.Sensitivity == models.SensitivityHigh && !a.RequiresApproval {
		return &models.ValidationError{Field: "approval.requires_approval", Reason: "high sensitivity requires approval"}
	}
	switch {
	case target == models.StageApproved && a.RequiresApproval:
		return &models.TransitionConflictError{RecordID: next.ID, From: next.Stage, To: target, Reason: "record requires approval; route through pending_approval"}
	case target == models.StagePendingApproval && !a.RequiresApproval:
		return &models.TransitionConflictError{RecordID: next.ID, From: next.Stage, To: target, Reason: "record does not require approval"}
	}
	return nil
}

func mergeApproval(a *models.ApprovalFields, f Fields) *models.ApprovalFields {
	out := &models.ApprovalFields{}
	if a != nil {
		*out = *a
	}
	if f.RequiresApproval != nil {
		out.RequiresApproval = *f.RequiresApproval
	}
	if f.Sensitivity != "" {
		out.Sensitivity = f.Sensitivity
	}
	return out
}

func entryStage(k models.Kind, s models.Stage) bool {
	switch k {
	case models.KindIngestedItem:
		return s == models.StageInbox || s == models.StageNeedsAction
	case models.KindPlan, models.KindApprovalRequest:
		return s == models.StagePlanDraft
	}
	return false
}

func (m *Machine) hashPayload(rec *models.Record) error {
	if rec.Payload == nil {
		rec.PayloadHash = ""
		return nil
	}
	h, err := canonical.Hash(rec.Payload)
	if err != nil {
		return &models.ValidationError{Field: "payload", Reason: err.Error()}
	}
	rec.PayloadHash = h
	return nil
}

func (m *Machine) auditCreate(ctx context.Context, rec *models.Record, result models.AuditResult, err error) {
	if m.audit == nil {
		return
	}
	_, aerr := m.audit.Record(ctx, audit.Entry{
		ActionType: "record_created",
		Target:     string(rec.Kind),
		Result:     result,
		RecordID:   rec.ID,
		Err:        err,
		Details:    map[string]string{"stage": string(rec.Stage), "priority": string(rec.Priority), "source": rec.Source},
	})
	if aerr != nil {
		m.log.Error().Err(aerr).Str("record_id", rec.ID).Msg("audit write failed after create")
	}
}

func (m *Machine) auditTransition(ctx context.Context, rec *models.Record, target models.Stage, result models.AuditResult, err error, start time.Time) {
	if m.audit == nil || rec == nil {
		return
	}
	_, aerr := m.audit.Record(ctx, audit.Entry{
		ActionType: "stage_transition",
		Target:     rec.ActionType,
		Result:     result,
		RecordID:   rec.ID,
		Duration:   m.clock.Now().Sub(start),
		Err:        err,
		Details:    map[string]string{"from": string(rec.Stage), "to": string(target)},
	})
	if aerr != nil {
		m.log.Error().Err(aerr).Str("record_id", rec.ID).Msg("audit write failed for transition")
	}
}
