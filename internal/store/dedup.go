package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// AdmitFingerprint records fp as seen. It reports true only for the call
// that inserted the row; concurrent or repeated calls get false.
func (s *Store) AdmitFingerprint(ctx context.Context, fp, source string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO dedup_entries (fingerprint, source, first_seen_at) VALUES (?, ?, ?) ON CONFLICT(fingerprint) DO NOTHING`,
		fp, source, at.UnixNano(),
	)
	if err != nil {
		return false, fmt.Errorf("insert fingerprint: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check rows affected: %w", err)
	}
	return n == 1, nil
}

// ReleaseFingerprint forgets fp so the item can be admitted again.
func (s *Store) ReleaseFingerprint(ctx context.Context, fp string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM dedup_entries WHERE fingerprint = ?`, fp); err != nil {
		return fmt.Errorf("delete fingerprint: %w", err)
	}
	return nil
}

// PruneFingerprints deletes entries first seen before cutoff. An empty
// source prunes across all sources.
func (s *Store) PruneFingerprints(ctx context.Context, cutoff time.Time, source string) (int64, error) {
	query := `DELETE FROM dedup_entries WHERE first_seen_at < ?`
	args := []any{cutoff.UnixNano()}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune fingerprints: %w", err)
	}
	return res.RowsAffected()
}

// PruneFingerprintsExcept deletes entries first seen before cutoff whose
// source is not in sources.
func (s *Store) PruneFingerprintsExcept(ctx context.Context, cutoff time.Time, sources []string) (int64, error) {
	query := `DELETE FROM dedup_entries WHERE first_seen_at < ?`
	args := []any{cutoff.UnixNano()}
	if len(sources) > 0 {
		marks := make([]string, len(sources))
		for i, src := range sources {
			marks[i] = "?"
			args = append(args, src)
		}
		query += ` AND source NOT IN (` + strings.Join(marks, ", ") + `)`
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune fingerprints: %w", err)
	}
	return res.RowsAffected()
}

// CountFingerprints returns the number of live dedup entries.
func (s *Store) CountFingerprints(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dedup_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count fingerprints: %w", err)
	}
	return n, nil
}
