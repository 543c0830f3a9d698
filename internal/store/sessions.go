// ABOUTME: Conversation session and known-division persistence
// ABOUTME: Sessions pin a caller to an agent; divisions mirror the federation peer table

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateSession inserts a new session record. A missing ID is filled.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.SessionID == "" {
		sess.SessionID = uuid.NewString()
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, agent_id, caller_id, division, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		sess.SessionID,
		sess.AgentID,
		sess.CallerID,
		sess.Division,
		[]byte(sess.Context),
		sess.CreatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

// GetSession fetches a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_id, caller_id, division, context, created_at, ended_at
		FROM sessions WHERE session_id = ?
	`, sessionID)

	var sess Session
	var createdAt string
	var endedAt sql.NullString
	var contextBlob []byte

	err := row.Scan(&sess.SessionID, &sess.AgentID, &sess.CallerID, &sess.Division,
		&contextBlob, &createdAt, &endedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}

	sess.Context = contextBlob
	if sess.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if endedAt.Valid {
		t, err := time.Parse(timeFormat, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing ended_at: %w", err)
		}
		sess.EndedAt = &t
	}
	return &sess, nil
}

// EndSession marks a session ended. Ending an already-ended session is a
// no-op success.
func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE session_id = ? AND ended_at IS NULL`,
		at.UTC().Format(timeFormat), sessionID)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking end result: %w", err)
	}
	if n == 0 {
		if _, getErr := s.GetSession(ctx, sessionID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// UpsertDivision inserts or updates a known-division record.
func (s *SQLiteStore) UpsertDivision(ctx context.Context, rec *DivisionRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO divisions (division_id, gateway_endpoint, trusted, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (division_id) DO UPDATE SET
			gateway_endpoint = excluded.gateway_endpoint,
			trusted = excluded.trusted,
			updated_at = excluded.updated_at
	`, rec.DivisionID, rec.GatewayEndpoint, boolToInt(rec.Trusted), rec.UpdatedAt.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("upserting division: %w", err)
	}
	return nil
}

// GetDivision fetches a known-division record.
func (s *SQLiteStore) GetDivision(ctx context.Context, divisionID string) (*DivisionRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT division_id, gateway_endpoint, trusted, updated_at FROM divisions WHERE division_id = ?`,
		divisionID)

	rec, err := scanDivision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ListDivisions lists every known division.
func (s *SQLiteStore) ListDivisions(ctx context.Context) ([]*DivisionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT division_id, gateway_endpoint, trusted, updated_at FROM divisions ORDER BY division_id`)
	if err != nil {
		return nil, fmt.Errorf("listing divisions: %w", err)
	}
	defer rows.Close()

	var records []*DivisionRecord
	for rows.Next() {
		rec, err := scanDivision(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanDivision(scanner interface{ Scan(dest ...any) error }) (*DivisionRecord, error) {
	var rec DivisionRecord
	var trusted int
	var updatedAt string

	if err := scanner.Scan(&rec.DivisionID, &rec.GatewayEndpoint, &trusted, &updatedAt); err != nil {
		return nil, err
	}
	rec.Trusted = trusted != 0

	var err error
	if rec.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}
