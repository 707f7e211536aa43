// Package execution runs outward actions behind the approval gate and the
// rate limiter.
//
// For one category the sequence find approval, check budget, execute,
// charge budget, retire approval runs inside the limiter's critical
// section, so two requests can never both pass the check for the last unit
// of budget or both consume the same approval.
package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/fentz26/gatekeep/internal/audit"
	"github.com/fentz26/gatekeep/internal/canonical"
	"github.com/fentz26/gatekeep/internal/classify"
	"github.com/fentz26/gatekeep/internal/clock"
	"github.com/fentz26/gatekeep/internal/connectors"
	"github.com/fentz26/gatekeep/internal/gate"
	"github.com/fentz26/gatekeep/internal/models"
	"github.com/fentz26/gatekeep/internal/ratelimit"
	"github.com/fentz26/gatekeep/internal/telemetry"
)

// ErrActionFailed is returned when the executor ran but did not succeed.
// The approval and the budget are left untouched.
var ErrActionFailed = errors.New("action failed")

// Request asks for one outward action.
type Request struct {
	ActionType string `json:"action_type"`
	// Match selects the approval by payload fields. Scalar values in Params
	// are matched too, so every field sent to the executor agrees with the
	// approved payload.
	Match map[string]string `json:"match,omitempty"`
	// Params are passed to the executor. When empty the approved record's
	// payload is used. Non-scalar values must equal the approved payload.
	Params map[string]any `json:"params,omitempty"`
	// Target is what the audit trail shows the action was aimed at.
	Target string `json:"target,omitempty"`
}

// Outcome describes an action that passed the gate.
type Outcome struct {
	RecordID   string             `json:"record_id"`
	Result     models.AuditResult `json:"result"`
	Detail     string             `json:"detail,omitempty"`
	ExternalID string             `json:"external_id,omitempty"`
	DryRun     bool               `json:"dry_run"`
	Remaining  int                `json:"remaining"`
}

// Service wires the gate, the limiter and an executor together.
type Service struct {
	gate     *gate.Gate
	limiter  *ratelimit.Limiter
	executor connectors.Executor
	audit    *audit.Log
	clock    clock.Clock
	log      zerolog.Logger
	metrics  *telemetry.Metrics
	dryRun   bool
	timeout  time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithDryRun makes the service stop after the gate and limiter checks and
// audit the action as simulated.
func WithDryRun(on bool) Option { return func(s *Service) { s.dryRun = on } }

// WithTimeout bounds a single executor call.
func WithTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }

func WithClock(c clock.Clock) Option          { return func(s *Service) { s.clock = c } }
func WithLogger(l zerolog.Logger) Option      { return func(s *Service) { s.log = l } }
func WithMetrics(m *telemetry.Metrics) Option { return func(s *Service) { s.metrics = m } }

// New creates a Service.
func New(g *gate.Gate, l *ratelimit.Limiter, exec connectors.Executor, al *audit.Log, opts ...Option) *Service {
	s := &Service{
		gate:     g,
		limiter:  l,
		executor: exec,
		audit:    al,
		clock:    clock.Real{},
		log:      zerolog.Nop(),
		timeout:  time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DryRun reports whether actions are simulated.
func (s *Service) DryRun() bool { return s.dryRun }

// Execute performs req if an approval matches and the category has budget.
func (s *Service) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.ActionType == "" {
		return nil, &models.ValidationError{Field: "action_type", Reason: "action type is required"}
	}
	match, err := effectiveMatch(req.Match, req.Params)
	if err != nil {
		return nil, err
	}
	if len(match) == 0 {
		return nil, &models.ValidationError{Field: "match", Reason: "at least one match field or scalar param is required to select an approval"}
	}
	target := req.Target
	if target == "" {
		target = targetOf(match, req.ActionType)
	}
	category := s.limiter.CategoryFor(req.ActionType)
	start := s.clock.Now()

	unlock := s.limiter.Lock(category)
	defer unlock()

	rec, err := s.gate.Find(ctx, req.ActionType, match)
	if err != nil {
		if errors.Is(err, models.ErrStorage) {
			return nil, err
		}
		reason := "approval_missing"
		if errors.Is(err, models.ErrAmbiguousApproval) {
			reason = "ambiguous_approval"
		}
		s.reject(ctx, req, target, category, reason, "", start, err)
		return nil, err
	}

	params, mismatched := bindParams(rec, match, req.Params)
	if mismatched != "" {
		err := &models.ApprovalMissingError{ActionType: req.ActionType, Fields: sortedKeys(match), Mismatched: mismatched}
		s.reject(ctx, req, target, category, "approval_missing", rec.ID, start, err)
		return nil, err
	}

	allowed, retry, err := s.limiter.Check(ctx, category)
	if err != nil {
		return nil, models.Storage("rate check", err)
	}
	if !allowed {
		err := &models.RateLimitedError{Category: category, RetryAfter: retry}
		s.metrics.GateRejected(ctx, req.ActionType, "rate_limited")
		s.record(ctx, audit.Entry{
			ActionType: req.ActionType, Target: target, Result: models.AuditRateLimited,
			RecordID: rec.ID, Err: err, Params: req.Params, Duration: s.clock.Now().Sub(start),
			Details: map[string]string{"category": category, "retry_after": fmt.Sprint(retry)},
		})
		return nil, err
	}

	if s.dryRun {
		s.metrics.Execution(ctx, req.ActionType, string(models.AuditSimulated))
		s.record(ctx, audit.Entry{
			ActionType: req.ActionType, Target: target, Result: models.AuditSimulated,
			RecordID: rec.ID, Params: params, Duration: s.clock.Now().Sub(start),
			Details: map[string]string{"category": category},
		})
		s.log.Info().Str("action_type", req.ActionType).Str("record_id", rec.ID).Msg("dry run: action simulated")
		return &Outcome{RecordID: rec.ID, Result: models.AuditSimulated, Detail: "dry run", DryRun: true, Remaining: s.remaining(ctx, category)}, nil
	}

	execCtx, cancel := context.WithTimeout(ctx, s.timeout)
	res, err := s.executor.Execute(execCtx, req.ActionType, params)
	cancel()
	if err == nil && (res == nil || !res.Success) {
		detail := "no result"
		if res != nil {
			detail = res.Detail
		}
		err = fmt.Errorf("%w: %s", ErrActionFailed, detail)
	}
	if err != nil {
		s.metrics.Execution(ctx, req.ActionType, string(models.AuditError))
		s.record(ctx, audit.Entry{
			ActionType: req.ActionType, Target: target, Result: models.AuditError,
			RecordID: rec.ID, Err: err, Params: params, Duration: s.clock.Now().Sub(start),
			Details: map[string]string{"category": category, "executor": s.executor.Name()},
		})
		s.log.Error().Err(err).Str("action_type", req.ActionType).Str("record_id", rec.ID).Msg("action failed; approval kept")
		return nil, fmt.Errorf("execute %s: %w", req.ActionType, err)
	}

	// The action happened. Bookkeeping must not be lost to a cancelled request.
	bg := context.WithoutCancel(ctx)
	var errs []error
	if err := s.limiter.Record(bg, category); err != nil {
		errs = append(errs, fmt.Errorf("charge budget: %w", err))
	}
	if _, err := s.gate.Consume(bg, rec, models.ResultSuccess); err != nil {
		errs = append(errs, fmt.Errorf("approval %s not retired: %w", rec.ID, err))
	}

	details := map[string]string{"category": category, "executor": s.executor.Name(), "external_id": res.ExternalID}
	s.metrics.Execution(bg, req.ActionType, string(models.AuditSuccess))
	s.record(bg, audit.Entry{
		ActionType: req.ActionType, Target: target, Result: models.AuditSuccess,
		RecordID: rec.ID, Params: params, Duration: s.clock.Now().Sub(start), Details: details,
		Err: errors.Join(errs...),
	})

	out := &Outcome{RecordID: rec.ID, Result: models.AuditSuccess, Detail: res.Detail, ExternalID: res.ExternalID, Remaining: s.remaining(bg, category)}
	if len(errs) > 0 {
		s.log.Error().Err(errors.Join(errs...)).Str("record_id", rec.ID).Msg("action executed but bookkeeping failed")
		return out, fmt.Errorf("action executed: %w", models.Storage("post-execution bookkeeping", errors.Join(errs...)))
	}
	s.log.Info().Str("action_type", req.ActionType).Str("record_id", rec.ID).Str("category", category).Msg("action executed")
	return out, nil
}

// Budget reports usage for the category of actionType.
func (s *Service) Budget(ctx context.Context, actionType string) (category string, used int, p ratelimit.Policy, err error) {
	category = s.limiter.CategoryFor(actionType)
	used, err = s.limiter.Count(ctx, category)
	return category, used, s.limiter.Policy(category), err
}

func (s *Service) remaining(ctx context.Context, category string) int {
	n, err := s.limiter.Count(ctx, category)
	if err != nil {
		return -1
	}
	left := s.limiter.Policy(category).MaxPerWindow - n
	if left < 0 {
		left = 0
	}
	return left
}

func (s *Service) record(ctx context.Context, e audit.Entry) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.Record(ctx, e); err != nil {
		s.log.Error().Err(err).Str("action_type", e.ActionType).Msg("audit write failed")
	}
}

func (s *Service) reject(ctx context.Context, req Request, target, category, reason, recordID string, start time.Time, err error) {
	s.metrics.GateRejected(ctx, req.ActionType, reason)
	s.record(ctx, audit.Entry{
		ActionType: req.ActionType, Target: target, Result: models.AuditRejected,
		RecordID: recordID, Err: err, Params: req.Params, Duration: s.clock.Now().Sub(start),
		Details: map[string]string{"category": category, "reason": reason},
	})
}

// effectiveMatch merges the scalar params into match. A param that
// contradicts a match field, or a non-scalar param named by match, is
// refused.
func effectiveMatch(match map[string]string, params map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(match)+len(params))
	for k, v := range match {
		out[k] = v
	}
	for k, v := range params {
		sv, ok := scalar(v)
		if !ok {
			if _, named := match[k]; named {
				return nil, &models.ValidationError{Field: "params." + k, Reason: "a matched parameter must be a single value"}
			}
			continue
		}
		if mv, named := out[k]; named {
			if !classify.EqualFold(mv, sv) {
				return nil, &models.ValidationError{Field: "params." + k, Reason: "differs from the match value"}
			}
			continue
		}
		out[k] = sv
	}
	return out, nil
}

// bindParams returns the parameters for the executor. Scalar params were
// already matched by the gate. Non-scalar params must equal the approved
// payload, and match fields the caller left out are filled from it. The
// second result names the first field that disagrees with the approval.
func bindParams(rec *models.Record, match map[string]string, params map[string]any) (map[string]any, string) {
	if len(params) == 0 {
		return rec.Payload, ""
	}
	out := make(map[string]any, len(params)+len(match))
	for _, k := range sortedKeys(params) {
		v := params[k]
		if _, ok := scalar(v); !ok {
			approved, found := rec.Payload[k]
			if !found || !sameJSON(v, approved) {
				return nil, k
			}
		}
		out[k] = v
	}
	for k := range match {
		if _, ok := out[k]; ok {
			continue
		}
		if v, ok := rec.Payload[k]; ok {
			out[k] = v
		}
	}
	return out, ""
}

func scalar(v any) (string, bool) {
	switch vv := v.(type) {
	case string:
		return vv, true
	case bool, float64, float32, int, int64:
		return fmt.Sprint(vv), true
	}
	return "", false
}

func sameJSON(a, b any) bool {
	ca, err := canonical.Marshal(a)
	if err != nil {
		return false
	}
	cb, err := canonical.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// targetOf picks a human-meaningful target for the audit trail.
func targetOf(match map[string]string, actionType string) string {
	for _, k := range []string{"to", "recipient", "channel", "url"} {
		if v := match[k]; v != "" {
			return v
		}
	}
	keys := sortedKeys(match)
	if len(keys) > 0 {
		return match[keys[0]]
	}
	return actionType
}
