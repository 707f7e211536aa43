package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fentz26/gatekeep/internal/models"
)

const recordColumns = `id, kind, stage, priority, source, action_type, fingerprint, summary,
	payload, payload_hash, approval, completed_at, result, version, created_at, updated_at`

// RecordFilter narrows ListRecords. Zero values match everything.
type RecordFilter struct {
	Stage      models.Stage
	Kinds      []models.Kind
	ActionType string
	Limit      int
}

// CreateRecord inserts a new record. The record must carry its id and
// timestamps; version starts at whatever the caller set (normally 1).
func (s *Store) CreateRecord(ctx context.Context, rec *models.Record) error {
	payload, approval, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Kind, rec.Stage, rec.Priority, rec.Source,
		nullString(rec.ActionType), nullString(rec.Fingerprint), nullString(rec.Summary),
		payload, nullString(rec.PayloadHash), approval, nullTime(rec.CompletedAt),
		nullString(string(rec.Result)), rec.Version, rec.CreatedAt.UnixNano(), rec.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// GetRecord retrieves a record by ID. Missing records yield models.ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, id string) (*models.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}
	return rec, nil
}

// ListRecords returns records matching f, newest first.
func (s *Store) ListRecords(ctx context.Context, f RecordFilter) ([]models.Record, error) {
	query := `SELECT ` + recordColumns + ` FROM records`
	var where []string
	var args []any

	if f.Stage != "" {
		where = append(where, "stage = ?")
		args = append(args, f.Stage)
	}
	if len(f.Kinds) > 0 {
		marks := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			marks[i] = "?"
			args = append(args, k)
		}
		where = append(where, "kind IN ("+strings.Join(marks, ", ")+")")
	}
	if f.ActionType != "" {
		where = append(where, "action_type = ?")
		args = append(args, f.ActionType)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []models.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// UpdateRecordCAS writes every mutable field of rec, provided the stored row
// is still at fromStage and fromVersion. rec.Version must already be the
// new version. Returns ErrStale when the row no longer matches.
func (s *Store) UpdateRecordCAS(ctx context.Context, rec *models.Record, fromStage models.Stage, fromVersion int) error {
	payload, approval, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET kind = ?, stage = ?, action_type = ?, summary = ?, payload = ?, payload_hash = ?,
			approval = ?, completed_at = ?, result = ?, version = ?, updated_at = ?
		 WHERE id = ? AND stage = ? AND version = ?`,
		rec.Kind, rec.Stage, nullString(rec.ActionType), nullString(rec.Summary), payload, nullString(rec.PayloadHash), approval,
		nullTime(rec.CompletedAt), nullString(string(rec.Result)), rec.Version, rec.UpdatedAt.UnixNano(),
		rec.ID, fromStage, fromVersion,
	)
	if err != nil {
		return fmt.Errorf("update record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrStale
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (*models.Record, error) {
	var rec models.Record
	var actionType, fingerprint, summary, hash, result sql.NullString
	var payload, approval sql.NullString
	var completedAt sql.NullInt64
	var createdAt, updatedAt int64
	err := sc.Scan(&rec.ID, &rec.Kind, &rec.Stage, &rec.Priority, &rec.Source,
		&actionType, &fingerprint, &summary, &payload, &hash, &approval,
		&completedAt, &result, &rec.Version, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	rec.ActionType = actionType.String
	rec.Fingerprint = fingerprint.String
	rec.Summary = summary.String
	rec.PayloadHash = hash.String
	rec.Result = models.Result(result.String)
	rec.CreatedAt = time.Unix(0, createdAt).UTC()
	rec.UpdatedAt = time.Unix(0, updatedAt).UTC()
	if completedAt.Valid {
		t := time.Unix(0, completedAt.Int64).UTC()
		rec.CompletedAt = &t
	}
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	if approval.Valid && approval.String != "" {
		rec.Approval = &models.ApprovalFields{}
		if err := json.Unmarshal([]byte(approval.String), rec.Approval); err != nil {
			return nil, fmt.Errorf("decode approval: %w", err)
		}
	}
	return &rec, nil
}

func encodeRecord(rec *models.Record) (payload, approval sql.NullString, err error) {
	if rec.Payload != nil {
		b, err := json.Marshal(rec.Payload)
		if err != nil {
			return payload, approval, fmt.Errorf("encode payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	if rec.Approval != nil {
		b, err := json.Marshal(rec.Approval)
		if err != nil {
			return payload, approval, fmt.Errorf("encode approval: %w", err)
		}
		approval = sql.NullString{String: string(b), Valid: true}
	}
	return payload, approval, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
