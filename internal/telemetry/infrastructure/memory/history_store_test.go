package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"telemetry-service/internal/telemetry/domain"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var base = time.Date(2026, time.March, 3, 10, 0, 0, 0, time.UTC)

func appendAt(t *testing.T, store *HistoryStore, device, metric string, ts time.Time, value float64) telemetry.Record {
	t.Helper()
	rec, err := store.Append(context.Background(), telemetry.Record{
		DeviceID:   device,
		MetricName: metric,
		Timestamp:  ts,
		Value:      value,
		Unit:       "°C",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	return rec
}

func TestQueryHistory_OrderedNewestFirstRegardlessOfInsertOrder(t *testing.T) {
	store := NewHistoryStore()
	offsets := []int{5, 1, 9, 3, 7, 0, 2}
	for _, minute := range offsets {
		appendAt(t, store, "d1", "temperature", base.Add(time.Duration(minute)*time.Minute), float64(minute))
	}

	records, err := store.QueryHistory(context.Background(), telemetry.HistoryFilter{DeviceID: "d1", Limit: 100})
	if err != nil {
		t.Fatalf("query history: %v", err)
	}
	if len(records) != len(offsets) {
		t.Fatalf("expected %d records, got %d", len(offsets), len(records))
	}
	for i := 1; i < len(records); i++ {
		if records[i].Timestamp.After(records[i-1].Timestamp) {
			t.Fatalf("records not descending at %d: %s after %s", i, records[i].Timestamp, records[i-1].Timestamp)
		}
	}
}

func TestQueryHistory_FilterByMetricAndInclusiveRange(t *testing.T) {
	store := NewHistoryStore()
	for minute := 0; minute < 10; minute++ {
		ts := base.Add(time.Duration(minute) * time.Minute)
		appendAt(t, store, "d1", "temperature", ts, float64(minute))
		appendAt(t, store, "d1", "humidity", ts, float64(minute))
		appendAt(t, store, "d2", "temperature", ts, float64(minute))
	}
	t1 := base.Add(2 * time.Minute)
	t2 := base.Add(6 * time.Minute)

	records, err := store.QueryHistory(context.Background(), telemetry.HistoryFilter{
		DeviceID:   "d1",
		MetricName: "temperature",
		Start:      t1,
		End:        t2,
		Limit:      100,
	})
	if err != nil {
		t.Fatalf("query history: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records in [t1,t2], got %d", len(records))
	}
	for _, rec := range records {
		if rec.DeviceID != "d1" || rec.MetricName != "temperature" {
			t.Fatalf("unexpected record %+v", rec)
		}
		if rec.Timestamp.Before(t1) || rec.Timestamp.After(t2) {
			t.Fatalf("record outside range: %s", rec.Timestamp)
		}
	}
	if !records[0].Timestamp.Equal(t2) || !records[len(records)-1].Timestamp.Equal(t1) {
		t.Fatalf("bounds must be inclusive, got first=%s last=%s", records[0].Timestamp, records[len(records)-1].Timestamp)
	}
}

func TestQueryHistory_LimitReturnsMostRecent(t *testing.T) {
	store := NewHistoryStore()
	for minute := 0; minute < 20; minute++ {
		appendAt(t, store, "d1", "temperature", base.Add(time.Duration(minute)*time.Minute), float64(minute))
	}

	records, err := store.QueryHistory(context.Background(), telemetry.HistoryFilter{DeviceID: "d1", Limit: 5})
	if err != nil {
		t.Fatalf("query history: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	for i, rec := range records {
		want := float64(19 - i)
		if rec.Value != want {
			t.Fatalf("record %d: expected value %v, got %v", i, want, rec.Value)
		}
	}
}

func TestQueryHistory_NoMatchesIsEmpty(t *testing.T) {
	store := NewHistoryStore()
	records, err := store.QueryHistory(context.Background(), telemetry.HistoryFilter{DeviceID: "missing", Limit: 100})
	if err != nil {
		t.Fatalf("query history: %v", err)
	}
	if records == nil || len(records) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", records)
	}
}

func TestQueryLatest(t *testing.T) {
	store := NewHistoryStore()
	if _, err := store.QueryLatest(context.Background(), "d1", "temperature"); !errors.Is(err, telemetry.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	appendAt(t, store, "d1", "temperature", base.Add(3*time.Minute), 3)
	want := appendAt(t, store, "d1", "temperature", base.Add(8*time.Minute), 8)
	appendAt(t, store, "d1", "temperature", base.Add(1*time.Minute), 1)
	appendAt(t, store, "d1", "humidity", base.Add(20*time.Minute), 20)

	got, err := store.QueryLatest(context.Background(), "d1", "temperature")
	if err != nil {
		t.Fatalf("query latest: %v", err)
	}
	if got.ID != want.ID {
		t.Fatalf("expected latest %s, got %s", want.ID, got.ID)
	}
}

func TestAppend_AssignsIDAndTimestamp(t *testing.T) {
	now := time.Date(2026, time.April, 1, 12, 0, 0, 0, time.UTC)
	store := NewHistoryStore(WithClock(fixedClock{now: now}))

	rec, err := store.Append(context.Background(), telemetry.Record{DeviceID: "d1", MetricName: "temperature", Value: 21.5, Unit: "°C"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if rec.ID == "" {
		t.Fatalf("expected generated id")
	}
	if !rec.Timestamp.Equal(now) {
		t.Fatalf("expected server timestamp %s, got %s", now, rec.Timestamp)
	}
}

func TestAppend_TruncatesToMicroseconds(t *testing.T) {
	now := time.Date(2026, time.April, 1, 12, 0, 0, 123456789, time.UTC)
	store := NewHistoryStore(WithClock(fixedClock{now: now}))
	ctx := context.Background()

	assigned, err := store.Append(ctx, telemetry.Record{DeviceID: "d1", MetricName: "temperature", Value: 21.5, Unit: "°C"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	want := now.Truncate(time.Microsecond)
	if !assigned.Timestamp.Equal(want) || !assigned.CreatedAt.Equal(want) {
		t.Fatalf("expected %s, got ts=%s created=%s", want, assigned.Timestamp, assigned.CreatedAt)
	}

	supplied, err := store.Append(ctx, telemetry.Record{DeviceID: "d1", MetricName: "humidity", Value: 40, Unit: "%", Timestamp: now.Add(time.Hour)})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if supplied.Timestamp.Nanosecond()%1000 != 0 {
		t.Fatalf("expected microsecond precision, got %s", supplied.Timestamp)
	}

	latest, err := store.QueryLatest(ctx, "d1", "temperature")
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if !latest.Timestamp.Equal(assigned.Timestamp) {
		t.Fatalf("stored %s differs from returned %s", latest.Timestamp, assigned.Timestamp)
	}
	records, err := store.QueryHistory(ctx, telemetry.HistoryFilter{DeviceID: "d1", MetricName: "temperature", Start: assigned.Timestamp, Limit: 10})
	if err != nil || len(records) != 1 {
		t.Fatalf("expected record at its own timestamp, got %v err=%v", records, err)
	}
}

func TestAppend_DuplicateContentCreatesDistinctRecords(t *testing.T) {
	store := NewHistoryStore()
	first := appendAt(t, store, "d1", "temperature", base, 21.5)
	second := appendAt(t, store, "d1", "temperature", base, 21.5)
	if first.ID == second.ID {
		t.Fatalf("expected distinct ids, both %s", first.ID)
	}
	if store.Len() != 2 {
		t.Fatalf("expected 2 records, got %d", store.Len())
	}
}

func TestAppend_ConcurrentWriters(t *testing.T) {
	store := NewHistoryStore()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_, err := store.Append(context.Background(), telemetry.Record{
					DeviceID:   fmt.Sprintf("d%d", worker),
					MetricName: "temperature",
					Value:      float64(i),
					Unit:       "°C",
				})
				if err != nil {
					t.Errorf("append: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	if store.Len() != 400 {
		t.Fatalf("expected 400 records, got %d", store.Len())
	}
}
