// Package audit writes the append-only decision trail for gatekeep.
//
// Every stage transition, gate decision and outward action produces one
// event. Events are redacted before they reach any sink, and input
// parameters are recorded by hash so the trail stays reproducible without
// holding message bodies.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fentz26/gatekeep/internal/canonical"
	"github.com/fentz26/gatekeep/internal/clock"
	"github.com/fentz26/gatekeep/internal/models"
)

// Sink persists audit events.
type Sink interface {
	Write(ctx context.Context, ev *models.AuditEvent) error
}

// Entry describes an event before ids, timestamps and context are filled in.
type Entry struct {
	ActionType string
	Target     string
	Result     models.AuditResult
	RecordID   string
	Duration   time.Duration
	Err        error
	Details    map[string]string
	// Params is hashed into details["params_hash"].
	Params any
	// Actor overrides the actor carried on the context.
	Actor string
}

// Log fans events out to its sinks.
type Log struct {
	sinks []Sink
	clock clock.Clock
	log   zerolog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the clock used for timestamps.
func WithClock(c clock.Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithLogger sets the logger used to report sink failures.
func WithLogger(log zerolog.Logger) Option {
	return func(l *Log) { l.log = log }
}

// New creates a Log writing to sinks.
func New(sinks []Sink, opts ...Option) *Log {
	l := &Log{sinks: sinks, clock: clock.Real{}, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record builds, redacts and writes one event to every sink. The event is
// returned even when a sink fails so callers can log what was lost.
func (l *Log) Record(ctx context.Context, e Entry) (*models.AuditEvent, error) {
	actor := e.Actor
	if actor == "" {
		actor = ActorFrom(ctx)
	}

	ev := &models.AuditEvent{
		ID:            uuid.New().String(),
		Timestamp:     l.clock.Now().UTC(),
		CorrelationID: CorrelationIDFrom(ctx),
		Actor:         actor,
		ActionType:    e.ActionType,
		Target:        Redact(e.Target),
		Result:        e.Result,
		RecordID:      e.RecordID,
		DurationMS:    e.Duration.Milliseconds(),
	}
	if e.Err != nil {
		ev.Error = Redact(e.Err.Error())
	}
	if len(e.Details) > 0 || e.Params != nil {
		ev.Details = make(map[string]string, len(e.Details)+1)
		for k, v := range e.Details {
			ev.Details[k] = Redact(v)
		}
		if e.Params != nil {
			ev.Details["params_hash"] = hashParams(e.Params)
		}
	}

	var errs []error
	for _, s := range l.sinks {
		if err := s.Write(ctx, ev); err != nil {
			l.log.Error().Err(err).Str("action_type", ev.ActionType).Str("event_id", ev.ID).Msg("audit sink write failed")
			errs = append(errs, err)
		}
	}
	return ev, errors.Join(errs...)
}

func hashParams(v any) string {
	h, err := canonical.Hash(v)
	if err != nil {
		return "hash_error"
	}
	return h
}
