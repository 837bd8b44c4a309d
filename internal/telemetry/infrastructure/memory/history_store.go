package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"telemetry-service/internal/telemetry/domain"
)

// HistoryStore is an in-memory telemetry.HistoryStore for local runs and tests.
type HistoryStore struct {
	mu      sync.RWMutex
	records []telemetry.Record
	clock   telemetry.Clock
	newID   func() string
}

// Option configures the store.
type Option func(*HistoryStore)

// WithClock overrides the clock used for absent timestamps.
func WithClock(clock telemetry.Clock) Option {
	return func(s *HistoryStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator overrides record id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *HistoryStore) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewHistoryStore constructs an empty store.
func NewHistoryStore(opts ...Option) *HistoryStore {
	s := &HistoryStore{clock: telemetry.SystemClock{}, newID: uuid.NewString}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append stores a copy of rec with a fresh id.
func (s *HistoryStore) Append(ctx context.Context, rec telemetry.Record) (telemetry.Record, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.Record{}, err
	}
	if rec.DeviceID == "" || rec.MetricName == "" || rec.Unit == "" {
		return telemetry.Record{}, errors.New("telemetry memory store: invalid record")
	}
	// Same microsecond precision as the postgres store.
	now := s.clock.Now().UTC().Truncate(time.Microsecond)
	rec.ID = s.newID()
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)
	rec.CreatedAt = now

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	return rec, nil
}

// QueryHistory returns matching records newest first.
func (s *HistoryStore) QueryHistory(ctx context.Context, filter telemetry.HistoryFilter) ([]telemetry.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if filter.DeviceID == "" || filter.Limit <= 0 {
		return nil, errors.New("telemetry memory store: invalid filter")
	}

	s.mu.RLock()
	result := make([]telemetry.Record, 0)
	for _, rec := range s.records {
		if filter.Matches(rec) {
			result = append(result, rec)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(result)
	if len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// QueryLatest returns the newest record for the pair.
func (s *HistoryStore) QueryLatest(ctx context.Context, deviceID, metricName string) (telemetry.Record, error) {
	if err := ctx.Err(); err != nil {
		return telemetry.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		latest telemetry.Record
		found  bool
	)
	for _, rec := range s.records {
		if rec.DeviceID != deviceID || rec.MetricName != metricName {
			continue
		}
		if !found || newer(rec, latest) {
			latest = rec
			found = true
		}
	}
	if !found {
		return telemetry.Record{}, telemetry.ErrNotFound
	}
	return latest, nil
}

// Len returns the number of stored records.
func (s *HistoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func sortNewestFirst(records []telemetry.Record) {
	sort.SliceStable(records, func(i, j int) bool { return newer(records[i], records[j]) })
}

// newer orders by timestamp, then id, matching the Postgres ORDER BY.
func newer(a, b telemetry.Record) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.ID > b.ID
}
