// Package models defines the core domain types for gatekeep.
package models

import "time"

// Stage is the lifecycle position of a workflow record.
type Stage string

const (
	StageInbox           Stage = "inbox"
	StageNeedsAction     Stage = "needs_action"
	StagePlanDraft       Stage = "plan_draft"
	StagePendingApproval Stage = "pending_approval"
	StageApproved        Stage = "approved"
	StageRejected        Stage = "rejected"
	StageDone            Stage = "done"
)

// Stages lists every stage in lifecycle order.
var Stages = []Stage{
	StageInbox, StageNeedsAction, StagePlanDraft, StagePendingApproval,
	StageApproved, StageRejected, StageDone,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, st := range Stages {
		if s == st {
			return true
		}
	}
	return false
}

// Terminal reports whether no edge leaves s.
func (s Stage) Terminal() bool {
	return s == StageRejected || s == StageDone
}

// Kind distinguishes what a record represents.
type Kind string

const (
	KindIngestedItem    Kind = "ingested_item"
	KindPlan            Kind = "plan"
	KindApprovalRequest Kind = "approval_request"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindIngestedItem, KindPlan, KindApprovalRequest:
		return true
	}
	return false
}

// Priority is assigned once at ingestion or creation and never changes.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p == PriorityHigh || p == PriorityMedium || p == PriorityLow
}

// Sensitivity of the action a plan authorizes.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Result is the outcome stamped on a record when it reaches done.
type Result string

const (
	ResultSuccess Result = "success"
	ResultPartial Result = "partial"
	ResultFailed  Result = "failed"
)

// ApprovalFields carries the approval metadata of a plan or approval request.
type ApprovalFields struct {
	RequiresApproval bool        `json:"requires_approval"`
	Sensitivity      Sensitivity `json:"sensitivity"`
	ResolvedAt       *time.Time  `json:"resolved_at,omitempty"`
	ApprovedBy       string      `json:"approved_by,omitempty"`
	RejectedBy       string      `json:"rejected_by,omitempty"`
	RejectionReason  string      `json:"rejection_reason,omitempty"`
}

// Record is a workflow record. Its stage is the single source of truth for
// where it sits in the lifecycle.
type Record struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Stage       Stage           `json:"stage"`
	Priority    Priority        `json:"priority"`
	Source      string          `json:"source"`
	ActionType  string          `json:"action_type,omitempty"`
	Fingerprint string          `json:"fingerprint,omitempty"`
	Summary     string          `json:"summary,omitempty"`
	Payload     map[string]any  `json:"payload,omitempty"`
	PayloadHash string          `json:"payload_hash,omitempty"`
	Approval    *ApprovalFields `json:"approval,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      Result          `json:"result,omitempty"`
	Version     int             `json:"version"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can build a candidate without
// touching the original.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Payload != nil {
		c.Payload = clonePayload(r.Payload)
	}
	if r.Approval != nil {
		a := *r.Approval
		if a.ResolvedAt != nil {
			t := *a.ResolvedAt
			a.ResolvedAt = &t
		}
		c.Approval = &a
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func clonePayload(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		switch vv := v.(type) {
		case map[string]any:
			out[k] = clonePayload(vv)
		case []any:
			cp := make([]any, len(vv))
			copy(cp, vv)
			out[k] = cp
		default:
			out[k] = v
		}
	}
	return out
}

// RawItem is one item as fetched from a source, before any processing.
type RawItem struct {
	SourceID   string            `json:"source_id"`
	Text       string            `json:"text"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

// AuditResult is the outcome recorded on an audit event.
type AuditResult string

const (
	AuditSuccess     AuditResult = "success"
	AuditRejected    AuditResult = "rejected"
	AuditRateLimited AuditResult = "rate_limited"
	AuditError       AuditResult = "error"
	AuditSimulated   AuditResult = "simulated"
)

// AuditEvent is an immutable, append-only record of a decision or action.
type AuditEvent struct {
	ID            string            `json:"id"`
	Timestamp     time.Time         `json:"timestamp"`
	CorrelationID string            `json:"correlation_id"`
	Actor         string            `json:"actor"`
	ActionType    string            `json:"action_type"`
	Target        string            `json:"target,omitempty"`
	Result        AuditResult       `json:"result"`
	RecordID      string            `json:"record_id,omitempty"`
	DurationMS    int64             `json:"duration_ms,omitempty"`
	Error         string            `json:"error,omitempty"`
	Details       map[string]string `json:"details,omitempty"`
}
