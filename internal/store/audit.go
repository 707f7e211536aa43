package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fentz26/gatekeep/internal/models"
)

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	RecordID      string
	CorrelationID string
	Limit         int
}

// AppendAudit inserts an audit event. Rows are never updated or deleted.
func (s *Store) AppendAudit(ctx context.Context, ev *models.AuditEvent) error {
	var details sql.NullString
	if len(ev.Details) > 0 {
		b, err := json.Marshal(ev.Details)
		if err != nil {
			return fmt.Errorf("encode details: %w", err)
		}
		details = sql.NullString{String: string(b), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, timestamp, correlation_id, actor, action_type, target, result, record_id, duration_ms, error, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp.UnixNano(), ev.CorrelationID, ev.Actor, ev.ActionType,
		nullString(ev.Target), ev.Result, nullString(ev.RecordID), ev.DurationMS,
		nullString(ev.Error), details,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// ListAudit returns events newest first.
func (s *Store) ListAudit(ctx context.Context, f AuditFilter) ([]models.AuditEvent, error) {
	query := `SELECT id, timestamp, correlation_id, actor, action_type, target, result, record_id, duration_ms, error, details FROM audit_events`
	var args []any
	switch {
	case f.RecordID != "":
		query += ` WHERE record_id = ?`
		args = append(args, f.RecordID)
	case f.CorrelationID != "":
		query += ` WHERE correlation_id = ?`
		args = append(args, f.CorrelationID)
	}
	query += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditEvent
	for rows.Next() {
		var ev models.AuditEvent
		var ts int64
		var target, recordID, errText, details sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&ev.ID, &ts, &ev.CorrelationID, &ev.Actor, &ev.ActionType,
			&target, &ev.Result, &recordID, &duration, &errText, &details); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		ev.Timestamp = time.Unix(0, ts).UTC()
		ev.Target = target.String
		ev.RecordID = recordID.String
		ev.DurationMS = duration.Int64
		ev.Error = errText.String
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &ev.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
