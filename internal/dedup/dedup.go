// Package dedup guarantees each source item is processed at most once.
package dedup

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fentz26/gatekeep/internal/canonical"
	"github.com/fentz26/gatekeep/internal/clock"
	"github.com/fentz26/gatekeep/internal/models"
	"github.com/fentz26/gatekeep/internal/telemetry"
)

const (
	// DefaultRetention is how long a fingerprint blocks re-admission.
	DefaultRetention = 30 * 24 * time.Hour
	pruneInterval    = 24 * time.Hour
	lastPruneKey     = "dedup:last_prune"
)

// Backend is the persistent side of the index. *store.Store satisfies it.
type Backend interface {
	AdmitFingerprint(ctx context.Context, fp, source string, at time.Time) (bool, error)
	ReleaseFingerprint(ctx context.Context, fp string) error
	PruneFingerprints(ctx context.Context, cutoff time.Time, source string) (int64, error)
	PruneFingerprintsExcept(ctx context.Context, cutoff time.Time, sources []string) (int64, error)
	CountFingerprints(ctx context.Context) (int, error)
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Index admits fingerprints exactly once until they age out.
type Index struct {
	backend   Backend
	retention time.Duration
	perSource map[string]time.Duration
	clock     clock.Clock
	log       zerolog.Logger
	metrics   *telemetry.Metrics

	mu        sync.Mutex
	lastPrune time.Time
	loaded    bool
}

// Option configures an Index.
type Option func(*Index)

// WithRetention sets the default retention window.
func WithRetention(d time.Duration) Option {
	return func(ix *Index) {
		if d > 0 {
			ix.retention = d
		}
	}
}

// WithSourceRetention overrides retention for one source.
func WithSourceRetention(source string, d time.Duration) Option {
	return func(ix *Index) {
		if d > 0 {
			ix.perSource[source] = d
		}
	}
}

func WithClock(c clock.Clock) Option          { return func(ix *Index) { ix.clock = c } }
func WithLogger(l zerolog.Logger) Option      { return func(ix *Index) { ix.log = l } }
func WithMetrics(m *telemetry.Metrics) Option { return func(ix *Index) { ix.metrics = m } }

// New creates an Index over b.
func New(b Backend, opts ...Option) *Index {
	ix := &Index{
		backend:   b,
		retention: DefaultRetention,
		perSource: make(map[string]time.Duration),
		clock:     clock.Real{},
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Fingerprint derives the stable identity of an item from its source, its
// source-native id and any content fields that distinguish it.
func Fingerprint(source, nativeID string, fields map[string]string) (string, error) {
	return canonical.Hash(struct {
		Source string            `json:"source"`
		ID     string            `json:"id"`
		Fields map[string]string `json:"fields,omitempty"`
	}{source, nativeID, fields})
}

// Admit reports whether fp is new and marks it seen. Storage failures fail
// closed: the item is reported as not admitted along with a StorageError.
func (ix *Index) Admit(ctx context.Context, source, fp string) (bool, error) {
	ok, err := ix.backend.AdmitFingerprint(ctx, fp, source, ix.clock.Now())
	if err != nil {
		return false, models.Storage("dedup admit", err)
	}
	if ok {
		ix.metrics.ItemAdmitted(ctx, source)
	} else {
		ix.metrics.ItemDuplicate(ctx, source)
	}
	return ok, nil
}

// Release un-admits fp. Used when an admitted item could not be persisted,
// so the next poll sees it again.
func (ix *Index) Release(ctx context.Context, fp string) error {
	return models.Storage("dedup release", ix.backend.ReleaseFingerprint(ctx, fp))
}

// Count returns the number of live fingerprints.
func (ix *Index) Count(ctx context.Context) (int, error) {
	n, err := ix.backend.CountFingerprints(ctx)
	return n, models.Storage("dedup count", err)
}

// Prune removes expired fingerprints if at least a day has passed since the
// last prune. The last prune time survives restarts. It returns the number
// of entries removed and whether a prune ran.
func (ix *Index) Prune(ctx context.Context) (int64, bool, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	now := ix.clock.Now()
	if !ix.loaded {
		raw, err := ix.backend.GetMeta(ctx, lastPruneKey)
		if err != nil {
			return 0, false, models.Storage("dedup load prune marker", err)
		}
		if raw != "" {
			t, err := time.Parse(time.RFC3339Nano, raw)
			if err != nil {
				ix.log.Warn().Str("value", raw).Msg("ignoring unreadable prune marker")
			} else {
				ix.lastPrune = t
			}
		}
		ix.loaded = true
	}
	if !ix.lastPrune.IsZero() && now.Sub(ix.lastPrune) < pruneInterval {
		return 0, false, nil
	}

	var total int64
	for source, d := range ix.perSource {
		n, err := ix.backend.PruneFingerprints(ctx, now.Add(-d), source)
		if err != nil {
			return total, false, models.Storage("dedup prune", err)
		}
		total += n
	}
	overridden := make([]string, 0, len(ix.perSource))
	for source := range ix.perSource {
		overridden = append(overridden, source)
	}
	n, err := ix.backend.PruneFingerprintsExcept(ctx, now.Add(-ix.retention), overridden)
	if err != nil {
		return total, false, models.Storage("dedup prune", err)
	}
	total += n

	if err := ix.backend.SetMeta(ctx, lastPruneKey, now.UTC().Format(time.RFC3339Nano)); err != nil {
		return total, true, models.Storage("dedup save prune marker", err)
	}
	ix.lastPrune = now
	ix.log.Info().Int64("removed", total).Msg("pruned dedup index")
	return total, true, nil
}
