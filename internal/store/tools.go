// ABOUTME: Tool definition and execution record persistence
// ABOUTME: Versioned definitions plus write-once execution completion

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const toolColumns = `tool_id, version, name, description, endpoint, input_schema,
	output_schema, timeout_seconds, allowed_divisions, created_at, updated_at`

// PutToolDefinition inserts or replaces one tool version. Re-registering an
// existing version overwrites it in place.
func (s *SQLiteStore) PutToolDefinition(ctx context.Context, def *ToolDefinition) error {
	now := time.Now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_definitions (`+toolColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tool_id, version) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			endpoint = excluded.endpoint,
			input_schema = excluded.input_schema,
			output_schema = excluded.output_schema,
			timeout_seconds = excluded.timeout_seconds,
			allowed_divisions = excluded.allowed_divisions,
			updated_at = excluded.updated_at
	`,
		def.ToolID,
		def.Version,
		def.Name,
		def.Description,
		def.Endpoint,
		[]byte(def.InputSchema),
		[]byte(def.OutputSchema),
		def.TimeoutSeconds,
		joinList(def.AllowedDivisions),
		def.CreatedAt.Format(timeFormat),
		def.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("storing tool definition: %w", err)
	}
	return nil
}

// GetToolVersion fetches one version of a tool.
func (s *SQLiteStore) GetToolVersion(ctx context.Context, toolID, version string) (*ToolDefinition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+toolColumns+` FROM tool_definitions WHERE tool_id = ? AND version = ?`,
		toolID, version)

	def, err := scanToolDefinition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return def, nil
}

// ListToolVersions lists every version of a tool, newest registration first.
func (s *SQLiteStore) ListToolVersions(ctx context.Context, toolID string) ([]*ToolDefinition, error) {
	return s.listToolDefinitions(ctx,
		`SELECT `+toolColumns+` FROM tool_definitions WHERE tool_id = ? ORDER BY created_at DESC`,
		toolID)
}

// ListTools lists all registered tool versions.
func (s *SQLiteStore) ListTools(ctx context.Context) ([]*ToolDefinition, error) {
	return s.listToolDefinitions(ctx,
		`SELECT `+toolColumns+` FROM tool_definitions ORDER BY tool_id, version`)
}

// DeleteToolVersion removes one tool version. Callers are responsible for
// the in-use guard; the store deletes unconditionally.
func (s *SQLiteStore) DeleteToolVersion(ctx context.Context, toolID, version string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tool_definitions WHERE tool_id = ? AND version = ?`,
		toolID, version)
	if err != nil {
		return fmt.Errorf("deleting tool version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking delete result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// VersionInUse reports whether any pending or running execution references
// the tool version.
func (s *SQLiteStore) VersionInUse(ctx context.Context, toolID, version string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tool_executions
		WHERE tool_id = ? AND tool_version = ? AND status IN ('pending', 'running')
	`, toolID, version).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("counting version executions: %w", err)
	}
	return count > 0, nil
}

// CreateExecution inserts a new execution record in pending state.
func (s *SQLiteStore) CreateExecution(ctx context.Context, rec *ToolExecutionRecord) error {
	if rec.StartedAt.IsZero() {
		rec.StartedAt = time.Now().UTC()
	}
	if rec.Status == "" {
		rec.Status = ExecutionPending
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tool_executions (execution_id, tool_id, tool_version, requesting_agent_id,
			requesting_division, status, params, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ExecutionID,
		rec.ToolID,
		rec.ToolVersion,
		rec.RequestingAgentID,
		rec.RequestingDivision,
		string(rec.Status),
		[]byte(rec.Params),
		rec.StartedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("creating execution record: %w", err)
	}
	return nil
}

// MarkExecutionRunning transitions an execution from pending to running.
func (s *SQLiteStore) MarkExecutionRunning(ctx context.Context, executionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tool_executions SET status = 'running' WHERE execution_id = ? AND status = 'pending'`,
		executionID)
	if err != nil {
		return fmt.Errorf("marking execution running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking execution update: %w", err)
	}
	if n == 0 {
		return s.executionUpdateMiss(ctx, executionID)
	}
	return nil
}

// CompleteExecution writes the terminal disposition exactly once. A record
// already terminal returns ErrExecutionTerminal so a late tool response
// cannot rewrite a recorded timeout.
func (s *SQLiteStore) CompleteExecution(ctx context.Context, executionID string, status ExecutionStatus, result json.RawMessage, errorCode, errorDetail string, at time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE tool_executions
		SET status = ?, result = ?, error_code = ?, error_detail = ?, completed_at = ?
		WHERE execution_id = ? AND status IN ('pending', 'running')
	`,
		string(status),
		[]byte(result),
		errorCode,
		errorDetail,
		at.UTC().Format(timeFormat),
		executionID,
	)
	if err != nil {
		return fmt.Errorf("completing execution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking completion result: %w", err)
	}
	if n == 0 {
		return s.executionUpdateMiss(ctx, executionID)
	}
	return nil
}

// GetExecution fetches an execution record by ID.
func (s *SQLiteStore) GetExecution(ctx context.Context, executionID string) (*ToolExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT execution_id, tool_id, tool_version, requesting_agent_id, requesting_division,
			status, params, result, error_code, error_detail, started_at, completed_at
		FROM tool_executions WHERE execution_id = ?
	`, executionID)

	var rec ToolExecutionRecord
	var status, startedAt string
	var completedAt sql.NullString
	var params, result []byte

	err := row.Scan(
		&rec.ExecutionID,
		&rec.ToolID,
		&rec.ToolVersion,
		&rec.RequestingAgentID,
		&rec.RequestingDivision,
		&status,
		&params,
		&result,
		&rec.ErrorCode,
		&rec.ErrorDetail,
		&startedAt,
		&completedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning execution: %w", err)
	}

	rec.Status = ExecutionStatus(status)
	rec.Params = params
	rec.Result = result
	if rec.StartedAt, err = time.Parse(timeFormat, startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(timeFormat, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing completed_at: %w", err)
		}
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// executionUpdateMiss maps a zero-row execution update to the right error:
// the record either does not exist or is already terminal.
func (s *SQLiteStore) executionUpdateMiss(ctx context.Context, executionID string) error {
	rec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return ErrExecutionTerminal
	}
	return ErrNotFound
}

func (s *SQLiteStore) listToolDefinitions(ctx context.Context, query string, args ...any) ([]*ToolDefinition, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing tool definitions: %w", err)
	}
	defer rows.Close()

	var defs []*ToolDefinition
	for rows.Next() {
		def, err := scanToolDefinition(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func scanToolDefinition(scanner interface{ Scan(dest ...any) error }) (*ToolDefinition, error) {
	var def ToolDefinition
	var allowed, createdAt, updatedAt string
	var inputSchema, outputSchema []byte

	if err := scanner.Scan(
		&def.ToolID,
		&def.Version,
		&def.Name,
		&def.Description,
		&def.Endpoint,
		&inputSchema,
		&outputSchema,
		&def.TimeoutSeconds,
		&allowed,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	def.InputSchema = inputSchema
	def.OutputSchema = outputSchema
	def.AllowedDivisions = splitList(allowed)

	var err error
	if def.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if def.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &def, nil
}
