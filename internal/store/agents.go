// ABOUTME: Agent record persistence for the division registry shard
// ABOUTME: Implements insert, version-checked update, heartbeat touch, and tombstoning

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// timeFormat is the column format for timestamps. Nanosecond precision keeps
// heartbeat ordering stable when records land within the same second.
const timeFormat = time.RFC3339Nano

// PutAgent inserts a new agent record. Version is forced to 1 and timestamps
// are filled if zero.
func (s *SQLiteStore) PutAgent(ctx context.Context, rec *AgentRecord) error {
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	if rec.LastHeartbeat.IsZero() {
		rec.LastHeartbeat = now
	}
	rec.Version = 1
	if rec.Status == "" {
		rec.Status = AgentActive
	}

	query := `
		INSERT INTO agents (agent_id, division_id, capabilities, endpoint, is_shareable,
			allowed_divisions, status, version, last_heartbeat, tombstoned, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		rec.AgentID,
		rec.DivisionID,
		joinList(rec.Capabilities),
		rec.Endpoint,
		boolToInt(rec.IsShareable),
		joinList(rec.AllowedDivisions),
		string(rec.Status),
		rec.Version,
		rec.LastHeartbeat.UTC().Format(timeFormat),
		rec.CreatedAt.UTC().Format(timeFormat),
		rec.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// GetAgent fetches an agent record by ID, including tombstoned records.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, division_id, capabilities, endpoint, is_shareable,
			allowed_divisions, status, version, last_heartbeat, tombstoned, created_at, updated_at
		FROM agents WHERE agent_id = ?
	`, agentID)

	rec, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// UpdateAgentCAS applies the record only if the stored version still equals
// rec.Version. On success the stored version is rec.Version+1 and the passed
// record is updated to match. DivisionID is never rewritten; an empty Status
// keeps the stored one.
func (s *SQLiteStore) UpdateAgentCAS(ctx context.Context, rec *AgentRecord) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET capabilities = ?, endpoint = ?, is_shareable = ?, allowed_divisions = ?,
			status = COALESCE(NULLIF(?, ''), status), version = version + 1, updated_at = ?
		WHERE agent_id = ? AND version = ? AND tombstoned = 0
	`,
		joinList(rec.Capabilities),
		rec.Endpoint,
		boolToInt(rec.IsShareable),
		joinList(rec.AllowedDivisions),
		string(rec.Status),
		now.Format(timeFormat),
		rec.AgentID,
		rec.Version,
	)
	if err != nil {
		return fmt.Errorf("updating agent: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		// Distinguish a missing record from a lost race
		if _, getErr := s.GetAgent(ctx, rec.AgentID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	rec.Version++
	rec.UpdatedAt = now
	if rec.Status == "" {
		if stored, err := s.GetAgent(ctx, rec.AgentID); err == nil {
			rec.Status = stored.Status
		}
	}
	return nil
}

// TouchHeartbeat updates only the heartbeat timestamp. Heartbeats do not bump
// the version: they are liveness signals, not content changes.
func (s *SQLiteStore) TouchHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ? WHERE agent_id = ? AND tombstoned = 0`,
		at.UTC().Format(timeFormat), agentID,
	)
	if err != nil {
		return fmt.Errorf("touching heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking heartbeat result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListAgentsByDivision lists live records owned by a division.
func (s *SQLiteStore) ListAgentsByDivision(ctx context.Context, divisionID string) ([]*AgentRecord, error) {
	return s.listAgents(ctx, `
		SELECT agent_id, division_id, capabilities, endpoint, is_shareable,
			allowed_divisions, status, version, last_heartbeat, tombstoned, created_at, updated_at
		FROM agents WHERE division_id = ? AND tombstoned = 0
	`, divisionID)
}

// ListAllAgents lists every live record.
func (s *SQLiteStore) ListAllAgents(ctx context.Context) ([]*AgentRecord, error) {
	return s.listAgents(ctx, `
		SELECT agent_id, division_id, capabilities, endpoint, is_shareable,
			allowed_divisions, status, version, last_heartbeat, tombstoned, created_at, updated_at
		FROM agents WHERE tombstoned = 0
	`)
}

// TombstoneAgent soft-deletes a record. The row is retained so execution
// records keep a valid reference.
func (s *SQLiteStore) TombstoneAgent(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET tombstoned = 1, updated_at = ? WHERE agent_id = ?`,
		at.UTC().Format(timeFormat), agentID,
	)
	if err != nil {
		return fmt.Errorf("tombstoning agent: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking tombstone result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HasActiveExecutions reports whether any pending or running execution
// references the agent.
func (s *SQLiteStore) HasActiveExecutions(ctx context.Context, agentID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tool_executions
		WHERE requesting_agent_id = ? AND status IN ('pending', 'running')
	`, agentID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting active executions: %w", err)
	}
	return count > 0, nil
}

// listAgents runs an agent query and scans the result set.
func (s *SQLiteStore) listAgents(ctx context.Context, query string, args ...any) ([]*AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var records []*AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// scanAgent scans a row into an AgentRecord.
func scanAgent(scanner interface{ Scan(dest ...any) error }) (*AgentRecord, error) {
	var rec AgentRecord
	var caps, allowed, status, heartbeat, createdAt, updatedAt string
	var shareable, tombstoned int

	if err := scanner.Scan(
		&rec.AgentID,
		&rec.DivisionID,
		&caps,
		&rec.Endpoint,
		&shareable,
		&allowed,
		&status,
		&rec.Version,
		&heartbeat,
		&tombstoned,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	rec.Capabilities = splitList(caps)
	rec.AllowedDivisions = splitList(allowed)
	rec.IsShareable = shareable != 0
	rec.Tombstoned = tombstoned != 0
	rec.Status = AgentStatus(status)

	var err error
	if rec.LastHeartbeat, err = time.Parse(timeFormat, heartbeat); err != nil {
		return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
	}
	if rec.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if rec.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &rec, nil
}

// boolToInt converts a bool to its SQLite integer representation.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
