// Package watcher polls ingestion sources and turns new items into
// workflow records.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fentz26/gatekeep/internal/audit"
	"github.com/fentz26/gatekeep/internal/classify"
	"github.com/fentz26/gatekeep/internal/clock"
	"github.com/fentz26/gatekeep/internal/dedup"
	"github.com/fentz26/gatekeep/internal/models"
	"github.com/fentz26/gatekeep/internal/source"
	"github.com/fentz26/gatekeep/internal/telemetry"
	"github.com/fentz26/gatekeep/internal/workflow"
)

// ErrReauthRequired stops a loop whose source kept rejecting its credentials.
var ErrReauthRequired = errors.New("source requires re-authentication")

const summaryLimit = 120

// State is where a loop currently is in its cycle.
type State string

const (
	StateIdle     State = "idle"
	StatePolling  State = "polling"
	StateSleeping State = "sleeping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Status is a snapshot of one loop.
type Status struct {
	Source              string     `json:"source"`
	State               State      `json:"state"`
	Degraded            bool       `json:"degraded"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	Checkpoint          string     `json:"checkpoint,omitempty"`
	Admitted            int64      `json:"admitted"`
	Duplicates          int64      `json:"duplicates"`
	Skipped             int64      `json:"skipped"`
}

// Checkpoints persists the per-source resume point. *store.Store satisfies it.
type Checkpoints interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Deps are the shared components a loop writes through.
type Deps struct {
	Dedup       *dedup.Index
	Classifier  *classify.Classifier
	Machine     *workflow.Machine
	Checkpoints Checkpoints
	Audit       *audit.Log
	Clock       clock.Clock
	Logger      zerolog.Logger
	Metrics     *telemetry.Metrics
}

// Loop polls one source.
type Loop struct {
	src  source.Source
	cfg  Config
	deps Deps
	log  zerolog.Logger

	mu     sync.Mutex
	status Status
}

// NewLoop creates a loop for src.
func NewLoop(src source.Source, cfg Config, deps Deps) *Loop {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	return &Loop{
		src:    src,
		cfg:    cfg.withDefaults(),
		deps:   deps,
		log:    deps.Logger.With().Str("component", "watcher").Str("source", src.Name()).Logger(),
		status: Status{Source: src.Name(), State: StateIdle},
	}
}

// Name returns the source name.
func (l *Loop) Name() string { return l.src.Name() }

// Status returns a snapshot of the loop.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.status
	if s.LastSuccess != nil {
		t := *s.LastSuccess
		s.LastSuccess = &t
	}
	return s
}

func checkpointKey(name string) string { return "checkpoint:" + name }

// RunOnce performs one poll cycle and returns how many items were admitted.
// The checkpoint only advances when every item in the batch was either
// persisted or recognised as a duplicate.
func (l *Loop) RunOnce(ctx context.Context) (int, error) {
	name := l.src.Name()
	l.setState(StatePolling)

	cp, err := l.deps.Checkpoints.GetMeta(ctx, checkpointKey(name))
	if err != nil {
		return 0, models.Storage("read checkpoint", err)
	}

	fctx, cancel := context.WithTimeout(ctx, l.cfg.FetchTimeout)
	batch, err := l.src.FetchSince(fctx, cp)
	cancel()
	if err != nil {
		var se *models.SourceError
		if !errors.As(err, &se) {
			err = source.Transient(name, err)
		}
		return 0, err
	}

	// Records are written even if the loop is asked to stop mid-batch.
	wctx := context.WithoutCancel(ctx)
	admitted := 0
	for _, it := range batch.Items {
		if ctx.Err() != nil {
			// The checkpoint stays put; unprocessed items are fetched again.
			return admitted, nil
		}
		ok, err := l.ingest(wctx, it)
		if err != nil {
			return admitted, err
		}
		if ok {
			admitted++
		}
	}

	if batch.Next != cp {
		if err := l.deps.Checkpoints.SetMeta(wctx, checkpointKey(name), batch.Next); err != nil {
			return admitted, models.Storage("write checkpoint", err)
		}
	}
	l.mu.Lock()
	l.status.Checkpoint = batch.Next
	l.mu.Unlock()
	return admitted, nil
}

func (l *Loop) ingest(ctx context.Context, it models.RawItem) (bool, error) {
	name := l.src.Name()
	fp, err := dedup.Fingerprint(name, it.SourceID, map[string]string{"text": it.Text})
	if err != nil {
		return false, fmt.Errorf("fingerprint %s: %w", it.SourceID, err)
	}

	ok, err := l.deps.Dedup.Admit(ctx, name, fp)
	if errors.Is(err, models.ErrStorage) {
		// Admission fails closed; the rest of the batch still goes through.
		l.mu.Lock()
		l.status.Skipped++
		l.mu.Unlock()
		l.log.Error().Err(err).Str("source_id", it.SourceID).Msg("dedup admission failed; item skipped")
		l.record(ctx, audit.Entry{
			ActionType: "item_skipped",
			Target:     name,
			Result:     models.AuditError,
			Err:        err,
			Details:    map[string]string{"source_id": it.SourceID, "fingerprint": fp},
		})
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !ok {
		l.mu.Lock()
		l.status.Duplicates++
		l.mu.Unlock()
		l.log.Debug().Str("source_id", it.SourceID).Msg("duplicate item skipped")
		return false, nil
	}

	m := l.deps.Classifier.Match(it.Text, it.Metadata)
	payload := map[string]any{"source_id": it.SourceID, "text": it.Text}
	if len(it.Metadata) > 0 {
		md := make(map[string]any, len(it.Metadata))
		for k, v := range it.Metadata {
			md[k] = v
		}
		payload["metadata"] = md
	}
	if !it.ReceivedAt.IsZero() {
		payload["received_at"] = it.ReceivedAt.UTC().Format(time.RFC3339Nano)
	}
	if m.Keyword != "" {
		payload["matched_keyword"] = m.Keyword
	}

	rec, err := l.deps.Machine.Create(ctx, &models.Record{
		Kind:        models.KindIngestedItem,
		Stage:       l.cfg.EntryStage,
		Priority:    m.Priority,
		Source:      name,
		Fingerprint: fp,
		Summary:     classify.Summarize(it.Text, summaryLimit),
		Payload:     payload,
	})
	if err != nil {
		// Un-admit so the next poll retries the item instead of losing it.
		if rerr := l.deps.Dedup.Release(ctx, fp); rerr != nil {
			l.log.Error().Err(rerr).Str("fingerprint", fp).Msg("release after failed create")
		}
		return false, err
	}

	l.mu.Lock()
	l.status.Admitted++
	l.mu.Unlock()
	l.record(ctx, audit.Entry{
		ActionType: "item_ingested",
		Target:     name,
		Result:     models.AuditSuccess,
		RecordID:   rec.ID,
		Details:    map[string]string{"source_id": it.SourceID, "priority": string(m.Priority), "fingerprint": fp},
	})
	l.log.Info().Str("record_id", rec.ID).Str("priority", string(m.Priority)).Msg("item ingested")
	return true, nil
}

// Run polls until ctx is cancelled, a terminal source error occurs, or
// authentication keeps failing. Cancellation returns nil.
func (l *Loop) Run(ctx context.Context) error {
	backoff := l.cfg.BackoffInitial
	authFailures := 0
	for {
		_, err := l.RunOnce(ctx)
		if ctx.Err() != nil {
			l.setState(StateStopped)
			return nil
		}

		wait := l.cfg.Interval
		if err != nil {
			kind := l.noteFailure(ctx, err)
			switch kind {
			case models.SourceTerminal:
				l.setState(StateFailed)
				return err
			case models.SourceAuth:
				authFailures++
				if authFailures >= l.cfg.MaxAuthFailures {
					l.setState(StateFailed)
					return fmt.Errorf("%w: %s: %v", ErrReauthRequired, l.src.Name(), err)
				}
			default:
				authFailures = 0
			}
			wait = backoff
			backoff *= 2
			if backoff > l.cfg.BackoffMax {
				backoff = l.cfg.BackoffMax
			}
		} else {
			l.noteSuccess()
			backoff = l.cfg.BackoffInitial
			authFailures = 0
		}

		l.setState(StateSleeping)
		select {
		case <-ctx.Done():
			l.setState(StateStopped)
			return nil
		case <-l.deps.Clock.After(wait):
		}
	}
}

func (l *Loop) noteSuccess() {
	now := l.deps.Clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.status.ConsecutiveFailures = 0
	l.status.Degraded = false
	l.status.LastError = ""
	l.status.LastSuccess = &now
}

// noteFailure updates status, audits and logs a failed cycle and returns
// its kind. Non-source errors count as transient.
func (l *Loop) noteFailure(ctx context.Context, err error) models.SourceErrorKind {
	kind := models.SourceTransient
	var se *models.SourceError
	if errors.As(err, &se) {
		kind = se.Kind
	}

	l.mu.Lock()
	l.status.ConsecutiveFailures++
	l.status.LastError = audit.Redact(err.Error())
	n := l.status.ConsecutiveFailures
	degraded := n >= l.cfg.DegradedAfter
	l.status.Degraded = degraded
	l.mu.Unlock()

	l.deps.Metrics.SourceFailure(ctx, l.src.Name(), string(kind))
	l.record(context.WithoutCancel(ctx), audit.Entry{
		ActionType: "source_failure",
		Target:     l.src.Name(),
		Result:     models.AuditError,
		Err:        err,
		Details:    map[string]string{"kind": string(kind), "consecutive": fmt.Sprint(n)},
	})

	ev := l.log.Warn()
	if degraded {
		ev = l.log.Error().Bool("degraded", true)
	}
	ev.Err(err).Str("kind", string(kind)).Int("consecutive", n).Msg("poll failed")
	return kind
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.status.State = s
	l.mu.Unlock()
}

func (l *Loop) record(ctx context.Context, e audit.Entry) {
	if l.deps.Audit == nil {
		return
	}
	if _, err := l.deps.Audit.Record(ctx, e); err != nil {
		l.log.Error().Err(err).Str("action_type", e.ActionType).Msg("audit write failed")
	}
}
