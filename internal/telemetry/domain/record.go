package telemetry

import (
	"context"
	"time"
)

// Record is a persisted telemetry reading. Records are never updated or deleted.
type Record struct {
	ID         string    `json:"id"`
	DeviceID   string    `json:"device_id"`
	Timestamp  time.Time `json:"timestamp"`
	MetricName string    `json:"metric_name"`
	Value      float64   `json:"value"`
	Unit       string    `json:"unit"`
	CreatedAt  time.Time `json:"-"`
}

// HistoryFilter selects records for one device.
// Zero Start/End leave that side of the range open; both bounds are inclusive.
type HistoryFilter struct {
	DeviceID   string
	MetricName string
	Start      time.Time
	End        time.Time
	Limit      int
}

// Matches reports whether rec passes the filter, ignoring Limit.
func (f HistoryFilter) Matches(rec Record) bool {
	if rec.DeviceID != f.DeviceID {
		return false
	}
	if f.MetricName != "" && rec.MetricName != f.MetricName {
		return false
	}
	if !f.Start.IsZero() && rec.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && rec.Timestamp.After(f.End) {
		return false
	}
	return true
}

// HistoryStore is durable append-and-query storage for telemetry records.
// Implementations must be safe for concurrent use.
type HistoryStore interface {
	// Append assigns an id (and a timestamp when absent) and writes the record.
	// A nil error means the record is durable.
	Append(ctx context.Context, rec Record) (Record, error)
	// QueryHistory returns matching records newest first, capped at filter.Limit.
	QueryHistory(ctx context.Context, filter HistoryFilter) ([]Record, error)
	// QueryLatest returns the newest record for the pair or ErrNotFound.
	QueryLatest(ctx context.Context, deviceID, metricName string) (Record, error)
}

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is a UTC wall clock.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
