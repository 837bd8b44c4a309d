package application

import (
	"context"
	"errors"
	"strings"
	"time"

	"telemetry-service/internal/telemetry/domain"
)

const (
	// DefaultHistoryLimit applies when a history query sets no limit.
	DefaultHistoryLimit = 100
	// MaxHistoryLimit is the largest accepted history limit.
	MaxHistoryLimit = 1000
)

// HistoryQuery is a validated-on-use history request.
type HistoryQuery struct {
	DeviceID   string
	MetricName string
	Start      time.Time
	End        time.Time
	Limit      int
}

// QueryService exposes history reads with parameter validation.
type QueryService struct {
	store   telemetry.HistoryStore
	timeout time.Duration
}

// NewQueryService constructs a QueryService. Non-positive timeouts use DefaultStorageTimeout.
func NewQueryService(store telemetry.HistoryStore, timeout time.Duration) (*QueryService, error) {
	if store == nil {
		return nil, errors.New("telemetry query service: nil store")
	}
	if timeout <= 0 {
		timeout = DefaultStorageTimeout
	}
	return &QueryService{store: store, timeout: timeout}, nil
}

// History returns records newest first. No match yields an empty slice.
func (s *QueryService) History(ctx context.Context, q HistoryQuery) ([]telemetry.Record, error) {
	filter, err := q.filter()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	records, err := s.store.QueryHistory(ctx, filter)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []telemetry.Record{}
	}
	return records, nil
}

// Latest returns the newest record for the pair or telemetry.ErrNotFound.
func (s *QueryService) Latest(ctx context.Context, deviceID, metricName string) (telemetry.Record, error) {
	verr := &telemetry.ValidationError{}
	if strings.TrimSpace(deviceID) == "" {
		verr.Fields = append(verr.Fields, telemetry.FieldError{Field: "device_id", Message: "is required"})
	}
	if strings.TrimSpace(metricName) == "" {
		verr.Fields = append(verr.Fields, telemetry.FieldError{Field: "metric_name", Message: "is required"})
	}
	if len(verr.Fields) > 0 {
		return telemetry.Record{}, verr
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.store.QueryLatest(ctx, deviceID, metricName)
}

func (q HistoryQuery) filter() (telemetry.HistoryFilter, error) {
	verr := &telemetry.ValidationError{}
	if strings.TrimSpace(q.DeviceID) == "" {
		verr.Fields = append(verr.Fields, telemetry.FieldError{Field: "device_id", Message: "is required"})
	}
	limit := q.Limit
	if limit == 0 {
		limit = DefaultHistoryLimit
	}
	if limit < 1 || limit > MaxHistoryLimit {
		verr.Fields = append(verr.Fields, telemetry.FieldError{Field: "limit", Message: "must be between 1 and 1000"})
	}
	if len(verr.Fields) > 0 {
		return telemetry.HistoryFilter{}, verr
	}
	return telemetry.HistoryFilter{
		DeviceID:   q.DeviceID,
		MetricName: q.MetricName,
		Start:      q.Start,
		End:        q.End,
		Limit:      limit,
	}, nil
}
