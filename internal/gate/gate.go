// Package gate finds the approval that authorizes an outward action and
// retires it once the action has run.
package gate

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/fentz26/gatekeep/internal/audit"
	"github.com/fentz26/gatekeep/internal/classify"
	"github.com/fentz26/gatekeep/internal/models"
	"github.com/fentz26/gatekeep/internal/workflow"
)

// AmbiguityPolicy decides what happens when several approvals match.
type AmbiguityPolicy string

const (
	// MostRecent picks the latest resolved approval and audits a warning.
	MostRecent AmbiguityPolicy = "most_recent"
	// Reject refuses to choose.
	Reject AmbiguityPolicy = "reject"
)

// Valid reports whether p is a known policy.
func (p AmbiguityPolicy) Valid() bool {
	return p == MostRecent || p == Reject
}

// Gate looks up approvals among approved records.
type Gate struct {
	machine *workflow.Machine
	audit   *audit.Log
	policy  AmbiguityPolicy
	log     zerolog.Logger
}

// Option configures a Gate.
type Option func(*Gate)

func WithPolicy(p AmbiguityPolicy) Option { return func(g *Gate) { g.policy = p } }
func WithLogger(l zerolog.Logger) Option  { return func(g *Gate) { g.log = l } }

// New creates a Gate over the records managed by m.
func New(m *workflow.Machine, al *audit.Log, opts ...Option) *Gate {
	g := &Gate{machine: m, audit: al, policy: MostRecent, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Find returns the approved plan or approval request for actionType whose
// payload matches every field in match, compared case-insensitively.
func (g *Gate) Find(ctx context.Context, actionType string, match map[string]string) (*models.Record, error) {
	recs, err := g.machine.ListByStage(ctx, models.StageApproved, models.KindPlan, models.KindApprovalRequest)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(match))
	for k := range match {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var matches []models.Record
	bestMismatch := ""
	bestScore := -1
	for _, rec := range recs {
		if !classify.EqualFold(rec.ActionType, actionType) {
			continue
		}
		score, mismatch := compare(rec.Payload, keys, match)
		if mismatch == "" {
			matches = append(matches, rec)
			continue
		}
		if score > bestScore {
			bestScore, bestMismatch = score, mismatch
		}
	}

	switch len(matches) {
	case 0:
		return nil, &models.ApprovalMissingError{ActionType: actionType, Fields: keys, Mismatched: bestMismatch}
	case 1:
		return &matches[0], nil
	}

	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	if g.policy == Reject {
		err := &models.AmbiguousApprovalError{ActionType: actionType, RecordIDs: ids}
		g.record(ctx, actionType, models.AuditRejected, "", ids, err)
		return nil, err
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return resolvedAt(matches[i]).After(resolvedAt(matches[j]))
	})
	chosen := matches[0]
	g.log.Warn().Str("action_type", actionType).Strs("candidates", ids).Str("chosen", chosen.ID).Msg("several approvals match; using most recent")
	g.record(ctx, actionType, models.AuditSuccess, chosen.ID, ids, nil)
	return &chosen, nil
}

// Consume retires rec by moving it to done. It is the only way an approval
// stops being usable, and is called only after the action succeeded.
func (g *Gate) Consume(ctx context.Context, rec *models.Record, result models.Result) (*models.Record, error) {
	if result == "" {
		result = models.ResultSuccess
	}
	return g.machine.Transition(ctx, rec, models.StageDone, workflow.Fields{Result: result})
}

func (g *Gate) record(ctx context.Context, actionType string, result models.AuditResult, chosen string, ids []string, err error) {
	if g.audit == nil {
		return
	}
	_, aerr := g.audit.Record(ctx, audit.Entry{
		ActionType: "approval_ambiguous",
		Target:     actionType,
		Result:     result,
		RecordID:   chosen,
		Err:        err,
		Details:    map[string]string{"candidates": strings.Join(ids, ","), "policy": string(g.policy)},
	})
	if aerr != nil {
		g.log.Error().Err(aerr).Msg("audit write failed for ambiguous approval")
	}
}

// compare returns how many fields matched and the first field that did not.
func compare(payload map[string]any, keys []string, match map[string]string) (int, string) {
	score := 0
	mismatch := ""
	for _, k := range keys {
		v, ok := payload[k]
		if ok && classify.EqualFold(stringify(v), match[k]) {
			score++
			continue
		}
		if mismatch == "" {
			mismatch = k
		}
	}
	return score, mismatch
}

func stringify(v any) string {
	switch vv := v.(type) {
	case string:
		return vv
	case nil:
		return ""
	default:
		return fmt.Sprint(vv)
	}
}

func resolvedAt(r models.Record) time.Time {
	if r.Approval != nil && r.Approval.ResolvedAt != nil {
		return *r.Approval.ResolvedAt
	}
	return r.UpdatedAt
}
