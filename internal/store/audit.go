// ABOUTME: Audit log persistence for cross-division access review
// ABOUTME: Append-only entries recording who touched what, when, across division boundaries

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditEntry is one append-only record of a cross-division action.
type AuditEntry struct {
	AuditID    string
	ActorID    string
	DivisionID string
	Action     string
	TargetType string
	TargetID   string
	Timestamp  time.Time
	Detail     json.RawMessage
}

// AuditQuery filters audit log reads. Zero-valued fields match everything.
type AuditQuery struct {
	ActorID    string
	DivisionID string
	Action     string
	Since      time.Time
	Limit      int
}

// AuditStore is the append-only audit trail. Entries are never updated or
// deleted.
type AuditStore interface {
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error)
}

// AppendAudit writes one audit entry. A missing ID or timestamp is filled.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.AuditID == "" {
		entry.AuditID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, actor_id, division_id, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.AuditID,
		entry.ActorID,
		entry.DivisionID,
		entry.Action,
		entry.TargetType,
		entry.TargetID,
		entry.Timestamp.UTC().Format(timeFormat),
		string(entry.Detail),
	)
	if err != nil {
		return fmt.Errorf("appending audit entry: %w", err)
	}
	return nil
}

// QueryAudit reads entries matching the filter, newest first.
func (s *SQLiteStore) QueryAudit(ctx context.Context, q AuditQuery) ([]*AuditEntry, error) {
	query := `SELECT audit_id, actor_id, division_id, action, target_type, target_id, ts, detail_json
		FROM audit_log WHERE 1=1`
	var args []any

	if q.ActorID != "" {
		query += ` AND actor_id = ?`
		args = append(args, q.ActorID)
	}
	if q.DivisionID != "" {
		query += ` AND division_id = ?`
		args = append(args, q.DivisionID)
	}
	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, q.Action)
	}
	if !q.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, q.Since.UTC().Format(timeFormat))
	}
	query += ` ORDER BY ts DESC`
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var ts string
		var detail sql.NullString
		if err := rows.Scan(&e.AuditID, &e.ActorID, &e.DivisionID, &e.Action,
			&e.TargetType, &e.TargetID, &ts, &detail); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		if e.Timestamp, err = time.Parse(timeFormat, ts); err != nil {
			return nil, fmt.Errorf("parsing audit timestamp: %w", err)
		}
		if detail.Valid && detail.String != "" {
			e.Detail = json.RawMessage(detail.String)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
