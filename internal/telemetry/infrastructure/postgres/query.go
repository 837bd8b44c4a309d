package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"telemetry-service/internal/observability/metrics"
	"telemetry-service/internal/telemetry/domain"
)

const selectColumns = "id, device_id, ts, metric_name, value, unit, created_at"

// QueryHistory returns records for a device newest first.
func (s *HistoryStore) QueryHistory(ctx context.Context, filter telemetry.HistoryFilter) ([]telemetry.Record, error) {
	start := time.Now()
	records, err := s.queryHistory(ctx, filter)
	metrics.ObserveStore("query_history", resultOf(err), time.Since(start))
	return records, err
}

func (s *HistoryStore) queryHistory(ctx context.Context, filter telemetry.HistoryFilter) ([]telemetry.Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("telemetry store: nil db")
	}
	if filter.DeviceID == "" || filter.Limit <= 0 {
		return nil, errors.New("telemetry store: invalid filter")
	}

	conditions := []string{"device_id = $1"}
	args := []any{filter.DeviceID}
	if filter.MetricName != "" {
		args = append(args, filter.MetricName)
		conditions = append(conditions, fmt.Sprintf("metric_name = $%d", len(args)))
	}
	if !filter.Start.IsZero() {
		args = append(args, filter.Start.UTC())
		conditions = append(conditions, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !filter.End.IsZero() {
		args = append(args, filter.End.UTC())
		conditions = append(conditions, fmt.Sprintf("ts <= $%d", len(args)))
	}
	args = append(args, filter.Limit)

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE %s
ORDER BY ts DESC, id DESC
LIMIT $%d`, selectColumns, s.table, strings.Join(conditions, "\n\tAND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("telemetry store: query history: %w", err)
	}
	defer rows.Close()

	records := make([]telemetry.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// QueryLatest returns the newest record for a device/metric pair.
func (s *HistoryStore) QueryLatest(ctx context.Context, deviceID, metricName string) (telemetry.Record, error) {
	start := time.Now()
	rec, err := s.queryLatest(ctx, deviceID, metricName)
	result := resultOf(err)
	if errors.Is(err, telemetry.ErrNotFound) {
		result = metrics.ResultSuccess
	}
	metrics.ObserveStore("query_latest", result, time.Since(start))
	return rec, err
}

func (s *HistoryStore) queryLatest(ctx context.Context, deviceID, metricName string) (telemetry.Record, error) {
	if s == nil || s.db == nil {
		return telemetry.Record{}, errors.New("telemetry store: nil db")
	}
	if deviceID == "" || metricName == "" {
		return telemetry.Record{}, errors.New("telemetry store: invalid arguments")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_id = $1 AND metric_name = $2
ORDER BY ts DESC, id DESC
LIMIT 1`, selectColumns, s.table)

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, deviceID, metricName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return telemetry.Record{}, telemetry.ErrNotFound
		}
		return telemetry.Record{}, fmt.Errorf("telemetry store: query latest: %w", err)
	}
	return rec, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (telemetry.Record, error) {
	var rec telemetry.Record
	if err := row.Scan(
		&rec.ID,
		&rec.DeviceID,
		&rec.Timestamp,
		&rec.MetricName,
		&rec.Value,
		&rec.Unit,
		&rec.CreatedAt,
	); err != nil {
		return telemetry.Record{}, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec, nil
}
