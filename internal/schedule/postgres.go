package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foxzi/sendlater/internal/apperr"
)

const messageColumns = `id, recipient, message, send_time, created_at, resolved_at,
	status, template_id, remote_id, last_error, metadata`

// PostgresStorage implements Store on PostgreSQL. Transitions are
// conditional updates on status = 'pending', so several processes may
// sweep the same table.
type PostgresStorage struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStorage creates a store on an open database.
// The schema is applied by database.Open.
func NewPostgresStorage(db *sql.DB) *PostgresStorage {
	return &PostgresStorage{db: db, now: time.Now}
}

func (s *PostgresStorage) Schedule(ctx context.Context, req ScheduleRequest) (*Message, error) {
	now := s.now()
	if err := req.Validate(now); err != nil {
		return nil, err
	}

	msg := &Message{
		ID:         uuid.New().String(),
		Recipient:  strings.TrimSpace(req.Recipient),
		Text:       req.Text,
		SendTime:   req.SendTime.UTC(),
		CreatedAt:  now.UTC(),
		Status:     StatusPending,
		TemplateID: req.TemplateID,
		Metadata:   copyMetadata(req.Metadata),
	}

	meta, err := encodeMetadata(msg.Metadata)
	if err != nil {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_messages
			(id, recipient, message, send_time, created_at, status, template_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.Recipient, msg.Text, msg.SendTime, msg.CreatedAt, msg.Status, msg.TemplateID, meta)
	if err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}

	return msg, nil
}

func (s *PostgresStorage) Get(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM scheduled_messages WHERE id = $1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("message", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStorage) ListPending(ctx context.Context, recipient string) ([]*Message, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return s.query(ctx, `
			SELECT `+messageColumns+` FROM scheduled_messages
			WHERE status = 'pending'
			ORDER BY send_time ASC, id ASC
		`)
	}
	return s.query(ctx, `
		SELECT `+messageColumns+` FROM scheduled_messages
		WHERE status = 'pending' AND recipient = $1
		ORDER BY send_time ASC, id ASC
	`, recipient)
}

func (s *PostgresStorage) ListDue(ctx context.Context, now time.Time, limit int) ([]*Message, error) {
	if limit <= 0 {
		return s.query(ctx, `
			SELECT `+messageColumns+` FROM scheduled_messages
			WHERE status = 'pending' AND send_time <= $1
			ORDER BY send_time ASC, id ASC
		`, now.UTC())
	}
	return s.query(ctx, `
		SELECT `+messageColumns+` FROM scheduled_messages
		WHERE status = 'pending' AND send_time <= $1
		ORDER BY send_time ASC, id ASC
		LIMIT $2
	`, now.UTC(), limit)
}

func (s *PostgresStorage) ListHistory(ctx context.Context, limit int) ([]*Message, error) {
	if limit <= 0 {
		return s.query(ctx, `
			SELECT `+messageColumns+` FROM scheduled_messages
			WHERE status <> 'pending'
			ORDER BY resolved_at DESC, id DESC
		`)
	}
	return s.query(ctx, `
		SELECT `+messageColumns+` FROM scheduled_messages
		WHERE status <> 'pending'
		ORDER BY resolved_at DESC, id DESC
		LIMIT $1
	`, limit)
}

func (s *PostgresStorage) Cancel(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE scheduled_messages
		SET status = 'canceled', resolved_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING `+messageColumns,
		id, s.now().UTC())

	msg, err := scanMessage(row)
	if err == nil {
		return msg, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to cancel message: %w", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, apperr.Conflict("message %s is already %s", id, current.Status)
}

func (s *PostgresStorage) MarkDispatched(ctx context.Context, id string, outcome Outcome) (bool, error) {
	if err := outcome.validate(); err != nil {
		return false, err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_messages
		SET status = $2, remote_id = $3, last_error = $4, resolved_at = $5
		WHERE id = $1 AND status = 'pending'
	`, id, outcome.Status, outcome.RemoteID, outcome.Error, s.now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to mark message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}

	// Distinguish an unknown ID from a lost race
	if _, err := s.Get(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (s *PostgresStorage) Stats(ctx context.Context) (*Stats, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, count(*) FROM scheduled_messages GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	defer rows.Close()

	stats := &Stats{}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats.add(Status(status), n)
	}
	return stats, rows.Err()
}

func (s *PostgresStorage) CleanupHistory(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0

	if maxAge > 0 {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM scheduled_messages
			WHERE status <> 'pending' AND resolved_at < $1
		`, s.now().Add(-maxAge).UTC())
		if err != nil {
			return deleted, fmt.Errorf("failed to cleanup history: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}

	if maxCount > 0 {
		res, err := s.db.ExecContext(ctx, `
			DELETE FROM scheduled_messages
			WHERE id IN (
				SELECT id FROM scheduled_messages
				WHERE status <> 'pending'
				ORDER BY resolved_at DESC, id DESC
				OFFSET $1
			)
		`, maxCount)
		if err != nil {
			return deleted, fmt.Errorf("failed to cleanup history: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += int(n)
	}

	return deleted, nil
}

// Close is a no-op; the database handle belongs to the caller
func (s *PostgresStorage) Close() error {
	return nil
}

func (s *PostgresStorage) query(ctx context.Context, query string, args ...any) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages := []*Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var status string
	var resolved sql.NullTime
	var meta []byte

	if err := row.Scan(
		&m.ID,
		&m.Recipient,
		&m.Text,
		&m.SendTime,
		&m.CreatedAt,
		&resolved,
		&status,
		&m.TemplateID,
		&m.RemoteID,
		&m.LastError,
		&meta,
	); err != nil {
		return nil, err
	}

	m.Status = Status(status)
	m.SendTime = m.SendTime.UTC()
	m.CreatedAt = m.CreatedAt.UTC()
	if resolved.Valid {
		t := resolved.Time.UTC()
		m.ResolvedAt = &t
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
		if len(m.Metadata) == 0 {
			m.Metadata = nil
		}
	}
	return &m, nil
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return data, nil
}
