// ABOUTME: Durable envelope queue backing the message router
// ABOUTME: Write-ahead enqueue, priority-ordered claim, ack/nack, and dead-letter replay

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const envelopeColumns = `message_id, source_agent_id, source_division_id, target_agent_id,
	target_division_id, message_type, payload, correlation_id, created_at, ttl_seconds,
	attempt, priority, status, next_attempt_at, last_error, delivered_at`

// EnqueueEnvelope persists an envelope before any delivery attempt. The
// insert is the write-ahead record: a crash after this point never loses
// the message. A duplicate messageId is rejected by the primary key.
func (s *SQLiteStore) EnqueueEnvelope(ctx context.Context, env *Envelope) error {
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	if env.Status == "" {
		env.Status = EnvelopePending
	}
	if env.NextAttemptAt.IsZero() {
		env.NextAttemptAt = env.CreatedAt
	}
	if env.Priority == 0 {
		env.Priority = 5
	}

	query := `
		INSERT INTO envelopes (` + envelopeColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`
	_, err := s.db.ExecContext(ctx, query,
		env.MessageID,
		env.SourceAgentID,
		env.SourceDivisionID,
		env.TargetAgentID,
		env.TargetDivisionID,
		string(env.Type),
		[]byte(env.Payload),
		env.CorrelationID,
		env.CreatedAt.UTC().Format(timeFormat),
		env.TTLSeconds,
		env.Attempt,
		env.Priority,
		string(env.Status),
		env.NextAttemptAt.UTC().Format(timeFormat),
		env.LastError,
	)
	if err != nil {
		return fmt.Errorf("enqueueing envelope: %w", err)
	}
	return nil
}

// GetEnvelope fetches an envelope by message ID.
func (s *SQLiteStore) GetEnvelope(ctx context.Context, messageID string) (*Envelope, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+envelopeColumns+` FROM envelopes WHERE message_id = ?`, messageID)

	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return env, nil
}

// ClaimDue atomically marks up to limit due pending envelopes inflight and
// returns them. Higher priority dispatches first; within a priority, older
// envelopes go first.
func (s *SQLiteStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Envelope, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+envelopeColumns+` FROM envelopes
		WHERE status = 'pending' AND next_attempt_at <= ?
		ORDER BY priority DESC, created_at ASC
		LIMIT ?
	`, now.UTC().Format(timeFormat), limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due envelopes: %w", err)
	}

	var claimed []*Envelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, env)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, env := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE envelopes SET status = 'inflight' WHERE message_id = ?`,
			env.MessageID,
		); err != nil {
			return nil, fmt.Errorf("marking envelope inflight: %w", err)
		}
		env.Status = EnvelopeInflight
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// AckEnvelope marks an envelope delivered. Delivered is terminal.
func (s *SQLiteStore) AckEnvelope(ctx context.Context, messageID string, deliveredAt time.Time) error {
	return s.updateEnvelope(ctx, messageID, `
		UPDATE envelopes SET status = 'delivered', delivered_at = ?
		WHERE message_id = ? AND status = 'inflight'
	`, deliveredAt.UTC().Format(timeFormat), messageID)
}

// NackEnvelope returns an envelope to pending after a failed attempt,
// recording the attempt count, the next due time, and the failure reason.
func (s *SQLiteStore) NackEnvelope(ctx context.Context, messageID string, attempt int, nextAttempt time.Time, lastError string) error {
	return s.updateEnvelope(ctx, messageID, `
		UPDATE envelopes SET status = 'pending', attempt = ?, next_attempt_at = ?, last_error = ?
		WHERE message_id = ? AND status IN ('pending', 'inflight')
	`, attempt, nextAttempt.UTC().Format(timeFormat), lastError, messageID)
}

// MarkExpired marks an envelope whose TTL elapsed before delivery.
func (s *SQLiteStore) MarkExpired(ctx context.Context, messageID string) error {
	return s.updateEnvelope(ctx, messageID, `
		UPDATE envelopes SET status = 'expired'
		WHERE message_id = ? AND status IN ('pending', 'inflight')
	`, messageID)
}

// DeadLetterEnvelope moves an envelope to the dead-letter queue. The
// envelope row transitions to dead_letter and a dead_letters row records
// the terminal failure. Both happen in one transaction so an envelope is
// dead-lettered exactly once.
func (s *SQLiteStore) DeadLetterEnvelope(ctx context.Context, messageID string, lastError string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning dead-letter transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE envelopes SET status = 'dead_letter', last_error = ?
		WHERE message_id = ? AND status IN ('pending', 'inflight')
	`, lastError, messageID)
	if err != nil {
		return fmt.Errorf("marking envelope dead-lettered: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking dead-letter result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	var attempts int
	if err := tx.QueryRowContext(ctx,
		`SELECT attempt FROM envelopes WHERE message_id = ?`, messageID,
	).Scan(&attempts); err != nil {
		return fmt.Errorf("reading attempt count: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO dead_letters (message_id, last_error, attempts, dead_at)
		VALUES (?, ?, ?, ?)
	`, messageID, lastError, attempts, at.UTC().Format(timeFormat)); err != nil {
		return fmt.Errorf("inserting dead letter: %w", err)
	}

	return tx.Commit()
}

// ListDeadLetters returns dead letters newest first, up to limit.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.message_id, d.last_error, d.attempts, d.dead_at, d.replayed_at, d.replay_count
		FROM dead_letters d
		ORDER BY d.dead_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}
	defer rows.Close()

	// Envelopes load after the iterator closes so the nested reads never
	// contend with it for a pooled connection.
	var letters []*DeadLetter
	var ids []string
	for rows.Next() {
		dl, messageID, err := scanDeadLetterRow(rows)
		if err != nil {
			return nil, err
		}
		letters = append(letters, dl)
		ids = append(ids, messageID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i, dl := range letters {
		if dl.Envelope, err = s.GetEnvelope(ctx, ids[i]); err != nil {
			return nil, fmt.Errorf("loading dead-lettered envelope: %w", err)
		}
	}
	return letters, nil
}

// GetDeadLetter fetches one dead letter with its envelope.
func (s *SQLiteStore) GetDeadLetter(ctx context.Context, messageID string) (*DeadLetter, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, last_error, attempts, dead_at, replayed_at, replay_count
		FROM dead_letters WHERE message_id = ?
	`, messageID)

	dl, _, err := scanDeadLetterRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if dl.Envelope, err = s.GetEnvelope(ctx, messageID); err != nil {
		return nil, fmt.Errorf("loading dead-lettered envelope: %w", err)
	}
	return dl, nil
}

// ReplayDeadLetter requeues a dead-lettered envelope with a reset attempt
// counter. The dead_letters row is kept with the replay recorded.
func (s *SQLiteStore) ReplayDeadLetter(ctx context.Context, messageID string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning replay transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE envelopes
		SET status = 'pending', attempt = 0, next_attempt_at = ?, last_error = ''
		WHERE message_id = ? AND status = 'dead_letter'
	`, at.UTC().Format(timeFormat), messageID)
	if err != nil {
		return fmt.Errorf("requeueing envelope: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking replay result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE dead_letters SET replayed_at = ?, replay_count = replay_count + 1
		WHERE message_id = ?
	`, at.UTC().Format(timeFormat), messageID); err != nil {
		return fmt.Errorf("recording replay: %w", err)
	}

	return tx.Commit()
}

// QueueDepth counts envelopes awaiting delivery.
func (s *SQLiteStore) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM envelopes WHERE status IN ('pending', 'inflight')`,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("counting queue depth: %w", err)
	}
	return depth, nil
}

// updateEnvelope runs a single-row envelope update and maps zero rows
// affected to ErrNotFound.
func (s *SQLiteStore) updateEnvelope(ctx context.Context, messageID, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating envelope %s: %w", messageID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// scanDeadLetterRow scans a dead_letters row. The envelope is loaded
// separately by the caller once its own result set is drained.
func scanDeadLetterRow(scanner interface{ Scan(dest ...any) error }) (*DeadLetter, string, error) {
	var dl DeadLetter
	var messageID, deadAt string
	var replayedAt sql.NullString

	if err := scanner.Scan(&messageID, &dl.LastError, &dl.Attempts, &deadAt, &replayedAt, &dl.ReplayCount); err != nil {
		return nil, "", err
	}

	var err error
	if dl.DeadAt, err = time.Parse(timeFormat, deadAt); err != nil {
		return nil, "", fmt.Errorf("parsing dead_at: %w", err)
	}
	if replayedAt.Valid {
		t, err := time.Parse(timeFormat, replayedAt.String)
		if err != nil {
			return nil, "", fmt.Errorf("parsing replayed_at: %w", err)
		}
		dl.ReplayedAt = &t
	}
	return &dl, messageID, nil
}

// scanEnvelope scans an envelope row.
func scanEnvelope(scanner interface{ Scan(dest ...any) error }) (*Envelope, error) {
	var env Envelope
	var msgType, status, createdAt, nextAttemptAt string
	var correlationID, deliveredAt sql.NullString
	var payload []byte

	if err := scanner.Scan(
		&env.MessageID,
		&env.SourceAgentID,
		&env.SourceDivisionID,
		&env.TargetAgentID,
		&env.TargetDivisionID,
		&msgType,
		&payload,
		&correlationID,
		&createdAt,
		&env.TTLSeconds,
		&env.Attempt,
		&env.Priority,
		&status,
		&nextAttemptAt,
		&env.LastError,
		&deliveredAt,
	); err != nil {
		return nil, err
	}

	env.Type = MessageType(msgType)
	env.Status = EnvelopeStatus(status)
	env.Payload = payload
	env.CorrelationID = correlationID.String

	var err error
	if env.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if env.NextAttemptAt, err = time.Parse(timeFormat, nextAttemptAt); err != nil {
		return nil, fmt.Errorf("parsing next_attempt_at: %w", err)
	}
	if deliveredAt.Valid {
		t, err := time.Parse(timeFormat, deliveredAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing delivered_at: %w", err)
		}
		env.DeliveredAt = &t
	}
	return &env, nil
}
