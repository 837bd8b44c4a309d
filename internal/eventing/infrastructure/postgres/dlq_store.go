package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"telemetry-service/internal/eventing"
)

const defaultDLQTable = "dead_letter_messages"

//go:embed schema.sql
var schemaSQL string

// DLQStore is a Postgres implementation for dead-lettered queue messages.
type DLQStore struct {
	db    *sql.DB
	table string
}

// NewDLQStore constructs a DLQ store.
func NewDLQStore(db *sql.DB, opts ...DLQOption) *DLQStore {
	store := &DLQStore{db: db, table: defaultDLQTable}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// DLQOption configures the DLQ store.
type DLQOption func(*DLQStore)

// WithDLQTable overrides the table name.
func WithDLQTable(table string) DLQOption {
	return func(store *DLQStore) {
		if table != "" {
			store.table = table
		}
	}
}

// EnsureSchema creates the dead-letter table when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("dlq store: nil db")
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("dlq store: ensure schema: %w", err)
	}
	return nil
}

// RecordDeadLetter inserts a dead letter. A repeated fingerprint on the same
// queue bumps attempts and keeps the latest error.
func (s *DLQStore) RecordDeadLetter(ctx context.Context, letter eventing.DeadLetter) error {
	if s == nil || s.db == nil {
		return errors.New("dlq store: nil db")
	}
	if letter.Fingerprint == "" {
		return errors.New("dlq store: empty fingerprint")
	}
	if letter.ID == "" {
		letter.ID = eventing.NewEventID()
	}
	if letter.RecordedAt.IsZero() {
		letter.RecordedAt = time.Now().UTC()
	}
	if letter.Body == nil {
		letter.Body = []byte{}
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	queue,
	message_id,
	fingerprint,
	content_type,
	content_encoding,
	body,
	error,
	attempts,
	first_seen_at,
	last_seen_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10
)
ON CONFLICT (queue, fingerprint)
DO UPDATE SET
	error = EXCLUDED.error,
	last_seen_at = EXCLUDED.last_seen_at,
	attempts = %s.attempts + EXCLUDED.attempts`, s.table, s.table)

	_, err := s.db.ExecContext(ctx, query,
		letter.ID,
		letter.Queue,
		letter.MessageID,
		letter.Fingerprint,
		letter.ContentType,
		letter.ContentEncoding,
		letter.Body,
		letter.Error,
		letter.Attempts,
		letter.RecordedAt,
	)
	return err
}

// ListDeadLetters returns the most recent dead letters for a queue.
func (s *DLQStore) ListDeadLetters(ctx context.Context, queue string, limit int) ([]eventing.DeadLetter, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("dlq store: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, queue, message_id, fingerprint, content_type, content_encoding, body, error, attempts, last_seen_at
FROM %s
WHERE queue = $1
ORDER BY last_seen_at DESC
LIMIT $2`, s.table)

	rows, err := s.db.QueryContext(ctx, query, queue, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []eventing.DeadLetter
	for rows.Next() {
		var letter eventing.DeadLetter
		if err := rows.Scan(
			&letter.ID,
			&letter.Queue,
			&letter.MessageID,
			&letter.Fingerprint,
			&letter.ContentType,
			&letter.ContentEncoding,
			&letter.Body,
			&letter.Error,
			&letter.Attempts,
			&letter.RecordedAt,
		); err != nil {
			return nil, err
		}
		letter.RecordedAt = letter.RecordedAt.UTC()
		result = append(result, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
