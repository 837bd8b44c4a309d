package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"telemetry-service/internal/observability/metrics"
	"telemetry-service/internal/telemetry/application/events"
	"telemetry-service/internal/telemetry/domain"
)

// DefaultStorageTimeout bounds a single store call when no timeout is configured.
const DefaultStorageTimeout = 5 * time.Second

// EventPublisher publishes domain events.
type EventPublisher interface {
	Publish(ctx context.Context, event any) error
}

// Recorder validates envelopes and appends them to the history store.
// The queue consumer and the HTTP ingress share it so both paths apply the same rules.
type Recorder struct {
	store     telemetry.HistoryStore
	publisher EventPublisher
	timeout   time.Duration
	clock     telemetry.Clock
	logger    *log.Logger
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithPublisher publishes TelemetryRecorded after each append.
func WithPublisher(publisher EventPublisher) RecorderOption {
	return func(r *Recorder) {
		r.publisher = publisher
	}
}

// WithStorageTimeout bounds each Append call. Non-positive values keep the default.
func WithStorageTimeout(timeout time.Duration) RecorderOption {
	return func(r *Recorder) {
		if timeout > 0 {
			r.timeout = timeout
		}
	}
}

// WithRecorderLogger sets the logger.
func WithRecorderLogger(logger *log.Logger) RecorderOption {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorderClock overrides the clock used for lag metrics and events.
func WithRecorderClock(clock telemetry.Clock) RecorderOption {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRecorder constructs a Recorder.
func NewRecorder(store telemetry.HistoryStore, opts ...RecorderOption) (*Recorder, error) {
	if store == nil {
		return nil, errors.New("telemetry recorder: nil store")
	}
	r := &Recorder{
		store:   store,
		timeout: DefaultStorageTimeout,
		clock:   telemetry.SystemClock{},
		logger:  log.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Record persists one envelope. Validation failures are returned as
// *telemetry.ValidationError; anything else is a storage failure.
func (r *Recorder) Record(ctx context.Context, env telemetry.Envelope, source string) (telemetry.Record, error) {
	start := time.Now()
	if err := env.Validate(); err != nil {
		metrics.IncIngestError("validation")
		metrics.ObserveIngest(source, metrics.ResultInvalid, time.Since(start))
		return telemetry.Record{}, err
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	rec, err := r.store.Append(storeCtx, env.ToRecord())
	if err != nil {
		reason := "storage"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = "storage_timeout"
		}
		metrics.IncIngestError(reason)
		metrics.ObserveIngest(source, metrics.ResultError, time.Since(start))
		return telemetry.Record{}, fmt.Errorf("telemetry recorder: append: %w", err)
	}
	metrics.ObserveIngest(source, metrics.ResultSuccess, time.Since(start))

	now := r.clock.Now()
	if source == metrics.SourceQueue {
		metrics.ObserveConsumerLag(now.Sub(rec.Timestamp))
	}
	if r.publisher != nil {
		evt := events.TelemetryRecorded{Record: rec, Source: source, OccurredAt: now}
		if err := r.publisher.Publish(ctx, evt); err != nil {
			r.logger.Printf("telemetry recorder: publish recorded event id=%s: %v", rec.ID, err)
		}
	}
	return rec, nil
}
