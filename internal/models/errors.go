package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors. Every typed error below matches one of these via errors.Is.
var (
	ErrValidation         = errors.New("validation failed")
	ErrTransitionConflict = errors.New("transition conflict")
	ErrDuplicate          = errors.New("duplicate item")
	ErrRateLimited        = errors.New("rate limited")
	ErrApprovalMissing    = errors.New("approval missing")
	ErrAmbiguousApproval  = errors.New("ambiguous approval")
	ErrSource             = errors.New("source failure")
	ErrStorage            = errors.New("storage failure")
	ErrNotFound           = errors.New("record not found")
)

// ValidationError reports a schema or field violation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// TransitionConflictError reports an illegal edge or a stale compare-and-swap.
type TransitionConflictError struct {
	RecordID string
	From     Stage
	To       Stage
	Reason   string
}

func (e *TransitionConflictError) Error() string {
	return fmt.Sprintf("transition %s -> %s on %s: %s", e.From, e.To, e.RecordID, e.Reason)
}

func (e *TransitionConflictError) Is(target error) bool { return target == ErrTransitionConflict }

// DuplicateError signals an item whose fingerprint was already admitted.
// Callers treat it as a no-op.
type DuplicateError struct {
	Fingerprint string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate item %s", e.Fingerprint)
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicate }

// RateLimitedError carries the number of seconds until capacity returns.
type RateLimitedError struct {
	Category   string
	RetryAfter int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %d seconds", e.Category, e.RetryAfter)
}

func (e *RateLimitedError) Is(target error) bool { return target == ErrRateLimited }

// ApprovalMissingError names what an approval would have had to match.
type ApprovalMissingError struct {
	ActionType string
	Fields     []string
	// Mismatched is set when a same-action candidate existed but this field differed.
	Mismatched string
}

func (e *ApprovalMissingError) Error() string {
	msg := fmt.Sprintf("no approved record for action %q", e.ActionType)
	if len(e.Fields) > 0 {
		msg += fmt.Sprintf(" matching %s", strings.Join(e.Fields, ", "))
	}
	if e.Mismatched != "" {
		msg += fmt.Sprintf(" (closest candidate differs on %s)", e.Mismatched)
	}
	return msg
}

func (e *ApprovalMissingError) Is(target error) bool { return target == ErrApprovalMissing }

// AmbiguousApprovalError is returned when several approvals match and the
// gate policy refuses to pick one.
type AmbiguousApprovalError struct {
	ActionType string
	RecordIDs  []string
}

func (e *AmbiguousApprovalError) Error() string {
	return fmt.Sprintf("%d approvals match action %q: %s", len(e.RecordIDs), e.ActionType, strings.Join(e.RecordIDs, ", "))
}

func (e *AmbiguousApprovalError) Is(target error) bool { return target == ErrAmbiguousApproval }

// SourceErrorKind classifies a source failure for the watcher's retry policy.
type SourceErrorKind string

const (
	SourceTransient SourceErrorKind = "transient"
	SourceAuth      SourceErrorKind = "auth"
	SourceTerminal  SourceErrorKind = "terminal"
)

// SourceError wraps a failure reported by an ingestion source.
type SourceError struct {
	Source string
	Kind   SourceErrorKind
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

func (e *SourceError) Is(target error) bool { return target == ErrSource }

// StorageError wraps a persistence failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorage }

// Storage wraps err as a StorageError unless it is nil or already one.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// RetryAfter extracts the retry delay from a rate limit error.
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return time.Duration(rl.RetryAfter) * time.Second, true
	}
	return 0, false
}
