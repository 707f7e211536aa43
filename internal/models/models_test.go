package models

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClone_IsDeep(t *testing.T) {
	now := time.Now().UTC()
	orig := &Record{
		ID:      "r1",
		Stage:   StagePlanDraft,
		Payload: map[string]any{"to": "a@example.com", "nested": map[string]any{"k": "v"}},
		Approval: &ApprovalFields{
			RequiresApproval: true,
			Sensitivity:      SensitivityHigh,
			ResolvedAt:       &now,
		},
	}

	c := orig.Clone()
	c.Payload["to"] = "b@example.com"
	c.Payload["nested"].(map[string]any)["k"] = "changed"
	c.Approval.ApprovedBy = "alice"
	later := now.Add(time.Hour)
	*c.Approval.ResolvedAt = later

	assert.Equal(t, "a@example.com", orig.Payload["to"])
	assert.Equal(t, "v", orig.Payload["nested"].(map[string]any)["k"])
	assert.Empty(t, orig.Approval.ApprovedBy)
	assert.Equal(t, now, *orig.Approval.ResolvedAt)
}

func TestStageValid(t *testing.T) {
	for _, s := range Stages {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, Stage("archived").Valid())
	assert.True(t, StageDone.Terminal())
	assert.True(t, StageRejected.Terminal())
	assert.False(t, StageApproved.Terminal())
}

func TestTypedErrors_MatchSentinels(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
	}{
		{&ValidationError{Field: "rejection_reason", Reason: "required"}, ErrValidation},
		{&TransitionConflictError{From: StageInbox, To: StageDone, Reason: "illegal edge"}, ErrTransitionConflict},
		{&DuplicateError{Fingerprint: "abc"}, ErrDuplicate},
		{&RateLimitedError{Category: "email", RetryAfter: 12}, ErrRateLimited},
		{&ApprovalMissingError{ActionType: "email_send"}, ErrApprovalMissing},
		{&AmbiguousApprovalError{ActionType: "email_send", RecordIDs: []string{"a", "b"}}, ErrAmbiguousApproval},
		{&SourceError{Source: "mail", Kind: SourceAuth, Err: errors.New("401")}, ErrSource},
		{&StorageError{Op: "insert", Err: errors.New("disk full")}, ErrStorage},
	}
	for _, tc := range cases {
		wrapped := fmt.Errorf("outer: %w", tc.err)
		assert.ErrorIs(t, wrapped, tc.sentinel, tc.err.Error())
	}
}

func TestApprovalMissingError_NamesMismatchedField(t *testing.T) {
	err := &ApprovalMissingError{ActionType: "email_send", Fields: []string{"to", "subject"}, Mismatched: "to"}
	assert.Contains(t, err.Error(), "email_send")
	assert.Contains(t, err.Error(), "to, subject")
	assert.Contains(t, err.Error(), "differs on to")
}

func TestStorage_DoesNotDoubleWrap(t *testing.T) {
	base := errors.New("boom")
	first := Storage("insert", base)
	second := Storage("outer", first)

	var se *StorageError
	require.ErrorAs(t, second, &se)
	assert.Equal(t, "insert", se.Op)
	assert.Nil(t, Storage("noop", nil))
}

func TestRetryAfter(t *testing.T) {
	d, ok := RetryAfter(fmt.Errorf("wrap: %w", &RateLimitedError{Category: "email", RetryAfter: 30}))
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	_, ok = RetryAfter(errors.New("other"))
	assert.False(t, ok)
}
