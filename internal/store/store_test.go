package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/gatekeep/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newRecord(id string, stage models.Stage) *models.Record {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Record{
		ID:         id,
		Kind:       models.KindPlan,
		Stage:      stage,
		Priority:   models.PriorityMedium,
		Source:     "manual",
		ActionType: "email_send",
		Payload:    map[string]any{"to": "alice@example.com", "subject": "Invoice"},
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	s, err := New(dbPath)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("Database file was not created")
	}
	// Migrations are idempotent.
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newRecord("r1", models.StagePlanDraft)
	rec.Approval = &models.ApprovalFields{RequiresApproval: true, Sensitivity: models.SensitivityHigh}
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	got, err := s.GetRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.Stage != models.StagePlanDraft || got.ActionType != "email_send" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.Payload["to"] != "alice@example.com" {
		t.Errorf("payload not preserved: %v", got.Payload)
	}
	if got.Approval == nil || !got.Approval.RequiresApproval || got.Approval.Sensitivity != models.SensitivityHigh {
		t.Errorf("approval not preserved: %+v", got.Approval)
	}
	if !got.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("created_at mismatch: %v vs %v", got.CreatedAt, rec.CreatedAt)
	}

	if _, err := s.GetRecord(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListRecords_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i, stage := range []models.Stage{models.StageApproved, models.StageApproved, models.StagePlanDraft} {
		rec := newRecord(fmt.Sprintf("r%d", i), stage)
		rec.CreatedAt = rec.CreatedAt.Add(time.Duration(i) * time.Minute)
		if err := s.CreateRecord(ctx, rec); err != nil {
			t.Fatalf("CreateRecord failed: %v", err)
		}
	}
	item := newRecord("item", models.StageApproved)
	item.Kind = models.KindIngestedItem
	item.ActionType = ""
	if err := s.CreateRecord(ctx, item); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	got, err := s.ListRecords(ctx, RecordFilter{Stage: models.StageApproved, Kinds: []models.Kind{models.KindPlan}})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 approved plans, got %d", len(got))
	}
	if got[0].ID != "r1" {
		t.Errorf("expected newest first, got %s", got[0].ID)
	}

	all, err := s.ListRecords(ctx, RecordFilter{Limit: 1})
	if err != nil {
		t.Fatalf("ListRecords failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("limit not applied: %d", len(all))
	}
}

func TestUpdateRecordCAS(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newRecord("r1", models.StagePendingApproval)
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	next := rec.Clone()
	next.Stage = models.StageApproved
	next.Version = 2
	if err := s.UpdateRecordCAS(ctx, next, models.StagePendingApproval, 1); err != nil {
		t.Fatalf("UpdateRecordCAS failed: %v", err)
	}

	// Replaying the same expectation must fail.
	stale := rec.Clone()
	stale.Stage = models.StageRejected
	stale.Version = 2
	if err := s.UpdateRecordCAS(ctx, stale, models.StagePendingApproval, 1); !errors.Is(err, ErrStale) {
		t.Fatalf("expected ErrStale, got %v", err)
	}

	got, _ := s.GetRecord(ctx, "r1")
	if got.Stage != models.StageApproved || got.Version != 2 {
		t.Errorf("unexpected state after CAS: %s v%d", got.Stage, got.Version)
	}
}

func TestUpdateRecordCAS_PersistsPromotion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := newRecord("r1", models.StageNeedsAction)
	item.Kind = models.KindIngestedItem
	item.ActionType = ""
	if err := s.CreateRecord(ctx, item); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	next := item.Clone()
	next.Kind = models.KindPlan
	next.Stage = models.StagePlanDraft
	next.ActionType = "email_reply"
	next.Version = 2
	if err := s.UpdateRecordCAS(ctx, next, models.StageNeedsAction, 1); err != nil {
		t.Fatalf("UpdateRecordCAS failed: %v", err)
	}

	got, err := s.GetRecord(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if got.ActionType != "email_reply" {
		t.Errorf("action_type not stored: %q", got.ActionType)
	}
	if got.Kind != models.KindPlan {
		t.Errorf("kind not stored: %q", got.Kind)
	}
}

func TestUpdateRecordCAS_ConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := newRecord("r1", models.StagePendingApproval)
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("CreateRecord failed: %v", err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			next := rec.Clone()
			next.Version = 2
			next.Stage = models.StageApproved
			if i%2 == 0 {
				next.Stage = models.StageRejected
			}
			if err := s.UpdateRecordCAS(ctx, next, models.StagePendingApproval, 1); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly one winner, got %d", wins)
	}
}

func TestFingerprints(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	ok, err := s.AdmitFingerprint(ctx, "fp1", "mail", base)
	if err != nil || !ok {
		t.Fatalf("first admit: ok=%v err=%v", ok, err)
	}
	ok, err = s.AdmitFingerprint(ctx, "fp1", "mail", base.Add(time.Hour))
	if err != nil || ok {
		t.Fatalf("second admit: ok=%v err=%v", ok, err)
	}

	if _, err := s.AdmitFingerprint(ctx, "fp2", "chat", base.Add(48*time.Hour)); err != nil {
		t.Fatalf("admit fp2: %v", err)
	}

	n, err := s.PruneFingerprints(ctx, base.Add(24*time.Hour), "")
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 pruned, got %d", n)
	}
	count, _ := s.CountFingerprints(ctx)
	if count != 1 {
		t.Errorf("expected 1 remaining, got %d", count)
	}

	if err := s.ReleaseFingerprint(ctx, "fp2"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, _ = s.AdmitFingerprint(ctx, "fp2", "chat", base)
	if !ok {
		t.Error("released fingerprint should be admissible again")
	}
}

func TestAuditAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		ev := &models.AuditEvent{
			ID:            fmt.Sprintf("ev%d", i),
			Timestamp:     now.Add(time.Duration(i) * time.Second),
			CorrelationID: "corr",
			Actor:         "system",
			ActionType:    "stage_transition",
			Result:        models.AuditSuccess,
			RecordID:      "r1",
			Details:       map[string]string{"to": "approved"},
		}
		if err := s.AppendAudit(ctx, ev); err != nil {
			t.Fatalf("AppendAudit failed: %v", err)
		}
	}

	events, err := s.ListAudit(ctx, AuditFilter{RecordID: "r1", Limit: 2})
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID != "ev2" {
		t.Errorf("expected newest first, got %s", events[0].ID)
	}
	if events[0].Details["to"] != "approved" {
		t.Errorf("details not preserved: %v", events[0].Details)
	}
}

func TestMeta(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetMeta(ctx, "checkpoint:mail")
	if err != nil || v != "" {
		t.Fatalf("expected empty meta, got %q err=%v", v, err)
	}
	if err := s.SetMeta(ctx, "checkpoint:mail", "a"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	if err := s.SetMeta(ctx, "checkpoint:mail", "b"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	v, _ = s.GetMeta(ctx, "checkpoint:mail")
	if v != "b" {
		t.Errorf("expected b, got %q", v)
	}
}
