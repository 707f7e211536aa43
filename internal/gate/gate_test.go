package gate

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/gatekeep/internal/audit"
	"github.com/fentz26/gatekeep/internal/clock"
	"github.com/fentz26/gatekeep/internal/models"
	"github.com/fentz26/gatekeep/internal/store"
	"github.com/fentz26/gatekeep/internal/workflow"
)

type fixture struct {
	store   *store.Store
	machine *workflow.Machine
	audit   *audit.Log
	clock   *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "gate.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fc := clock.NewFake(time.Date(2026, 5, 3, 9, 0, 0, 0, time.UTC))
	al := audit.New([]audit.Sink{audit.NewStoreSink(st)}, audit.WithClock(fc))
	m, err := workflow.New(st, al, workflow.WithClock(fc))
	require.NoError(t, err)
	return &fixture{store: st, machine: m, audit: al, clock: fc}
}

// approve creates a plan and walks it through pending_approval to approved.
func (f *fixture) approve(t *testing.T, actionType string, payload map[string]any) *models.Record {
	t.Helper()
	ctx := context.Background()
	plan, err := f.machine.Create(ctx, &models.Record{
		Kind:       models.KindPlan,
		Stage:      models.StagePlanDraft,
		Priority:   models.PriorityMedium,
		Source:     "reasoning",
		ActionType: actionType,
		Payload:    payload,
		Approval:   &models.ApprovalFields{RequiresApproval: true, Sensitivity: models.SensitivityHigh},
	})
	require.NoError(t, err)
	pending, err := f.machine.Transition(ctx, plan, models.StagePendingApproval, workflow.Fields{})
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	approved, err := f.machine.Transition(ctx, pending, models.StageApproved, workflow.Fields{ApprovedBy: "alice"})
	require.NoError(t, err)
	return approved
}

func TestFind_MatchesCaseInsensitively(t *testing.T) {
	f := newFixture(t)
	rec := f.approve(t, "email_send", map[string]any{"to": "Client@Example.com", "subject": "Invoice"})
	g := New(f.machine, f.audit)

	got, err := g.Find(context.Background(), "EMAIL_SEND", map[string]string{"to": "client@example.COM"})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
}

func TestFind_MissingNamesMismatchedField(t *testing.T) {
	f := newFixture(t)
	f.approve(t, "email_send", map[string]any{"to": "client@example.com", "subject": "Invoice"})
	g := New(f.machine, f.audit)

	_, err := g.Find(context.Background(), "email_send", map[string]string{"to": "client@example.com", "subject": "Refund"})
	require.ErrorIs(t, err, models.ErrApprovalMissing)

	var missing *models.ApprovalMissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, "subject", missing.Mismatched)
	assert.Equal(t, []string{"subject", "to"}, missing.Fields)
}

func TestFind_IgnoresOtherActionTypesAndStages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approve(t, "social_post", map[string]any{"to": "client@example.com"})

	// A plan still waiting for a decision is not an approval.
	plan, err := f.machine.Create(ctx, &models.Record{
		Kind:       models.KindPlan,
		Stage:      models.StagePlanDraft,
		Priority:   models.PriorityLow,
		Source:     "reasoning",
		ActionType: "email_send",
		Payload:    map[string]any{"to": "client@example.com"},
		Approval:   &models.ApprovalFields{RequiresApproval: true, Sensitivity: models.SensitivityMedium},
	})
	require.NoError(t, err)
	_, err = f.machine.Transition(ctx, plan, models.StagePendingApproval, workflow.Fields{})
	require.NoError(t, err)

	g := New(f.machine, f.audit)
	_, err = g.Find(ctx, "email_send", map[string]string{"to": "client@example.com"})
	assert.ErrorIs(t, err, models.ErrApprovalMissing)
}

func TestFind_AmbiguousMostRecentWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.approve(t, "email_send", map[string]any{"to": "a@example.com"})
	newer := f.approve(t, "email_send", map[string]any{"to": "a@example.com"})

	g := New(f.machine, f.audit, WithPolicy(MostRecent))
	got, err := g.Find(ctx, "email_send", map[string]string{"to": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)

	events, err := f.store.ListAudit(ctx, store.AuditFilter{RecordID: newer.ID})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "approval_ambiguous", events[0].ActionType)
	assert.Equal(t, models.AuditSuccess, events[0].Result)
}

func TestFind_AmbiguousRejectPolicy(t *testing.T) {
	f := newFixture(t)
	f.approve(t, "email_send", map[string]any{"to": "a@example.com"})
	f.approve(t, "email_send", map[string]any{"to": "a@example.com"})

	g := New(f.machine, f.audit, WithPolicy(Reject))
	_, err := g.Find(context.Background(), "email_send", map[string]string{"to": "a@example.com"})
	require.ErrorIs(t, err, models.ErrAmbiguousApproval)

	var amb *models.AmbiguousApprovalError
	require.True(t, errors.As(err, &amb))
	assert.Len(t, amb.RecordIDs, 2)
}

func TestConsume_IsSingleUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	rec := f.approve(t, "email_send", map[string]any{"to": "a@example.com"})
	g := New(f.machine, f.audit)

	found, err := g.Find(ctx, "email_send", map[string]string{"to": "a@example.com"})
	require.NoError(t, err)

	done, err := g.Consume(ctx, found, "")
	require.NoError(t, err)
	assert.Equal(t, models.StageDone, done.Stage)
	assert.Equal(t, models.ResultSuccess, done.Result)

	_, err = g.Find(ctx, "email_send", map[string]string{"to": "a@example.com"})
	assert.ErrorIs(t, err, models.ErrApprovalMissing)

	// A stale copy cannot be consumed twice.
	_, err = g.Consume(ctx, rec, models.ResultSuccess)
	assert.ErrorIs(t, err, models.ErrTransitionConflict)
}

func TestAmbiguityPolicy_Valid(t *testing.T) {
	assert.True(t, MostRecent.Valid())
	assert.True(t, Reject.Valid())
	assert.False(t, AmbiguityPolicy("first").Valid())
}
