package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"telemetry-service/internal/observability/metrics"
	"telemetry-service/internal/telemetry/domain"
)

const defaultHistoryTable = "telemetry_history"

//go:embed schema.sql
var schemaSQL string

// HistoryStore is a Postgres implementation of telemetry.HistoryStore.
type HistoryStore struct {
	db    *sql.DB
	table string
	clock telemetry.Clock
	newID func() string
}

// NewHistoryStore constructs a store with default table name.
func NewHistoryStore(db *sql.DB, opts ...StoreOption) *HistoryStore {
	store := &HistoryStore{
		db:    db,
		table: defaultHistoryTable,
		clock: telemetry.SystemClock{},
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// StoreOption configures the store.
type StoreOption func(*HistoryStore)

// WithTable overrides the default table name.
func WithTable(table string) StoreOption {
	return func(store *HistoryStore) {
		if table != "" {
			store.table = table
		}
	}
}

// WithClock overrides the clock used for absent timestamps.
func WithClock(clock telemetry.Clock) StoreOption {
	return func(store *HistoryStore) {
		if clock != nil {
			store.clock = clock
		}
	}
}

// EnsureSchema creates the history table and indexes when missing.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return errors.New("telemetry store: nil db")
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("telemetry store: ensure schema: %w", err)
	}
	return nil
}

// Append inserts one record. The insert is a single statement, so it is atomic
// and durable once it returns.
func (s *HistoryStore) Append(ctx context.Context, rec telemetry.Record) (telemetry.Record, error) {
	start := time.Now()
	stored, err := s.append(ctx, rec)
	metrics.ObserveStore("append", resultOf(err), time.Since(start))
	return stored, err
}

func (s *HistoryStore) append(ctx context.Context, rec telemetry.Record) (telemetry.Record, error) {
	if s == nil || s.db == nil {
		return telemetry.Record{}, errors.New("telemetry store: nil db")
	}
	if rec.DeviceID == "" || rec.MetricName == "" || rec.Unit == "" {
		return telemetry.Record{}, errors.New("telemetry store: invalid record")
	}

	// TIMESTAMPTZ keeps microseconds; the returned record must match the stored row.
	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	rec.ID = s.newID()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)
	rec.CreatedAt = now

	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	device_id,
	ts,
	metric_name,
	value,
	unit,
	created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7
)`, s.table)

	if _, err := s.db.ExecContext(
		ctx,
		query,
		rec.ID,
		rec.DeviceID,
		rec.Timestamp,
		rec.MetricName,
		rec.Value,
		rec.Unit,
		rec.CreatedAt,
	); err != nil {
		return telemetry.Record{}, fmt.Errorf("telemetry store: insert: %w", err)
	}
	return rec, nil
}

func resultOf(err error) string {
	if err != nil {
		return metrics.ResultError
	}
	return metrics.ResultSuccess
}
