package telemetry

import (
	"math"
	"strings"
	"time"
)

// Envelope is an in-flight telemetry reading, before persistence.
type Envelope struct {
	DeviceID   string
	MetricName string
	Value      float64
	Unit       string
	Timestamp  *time.Time
}

// Validate checks required fields. Every offending field is reported.
func (e Envelope) Validate() error {
	verr := &ValidationError{}
	if strings.TrimSpace(e.DeviceID) == "" {
		verr.add("device_id", "is required")
	}
	if strings.TrimSpace(e.MetricName) == "" {
		verr.add("metric_name", "is required")
	}
	if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
		verr.add("value", "must be a finite number")
	}
	if strings.TrimSpace(e.Unit) == "" {
		verr.add("unit", "is required")
	}
	if e.Timestamp != nil && e.Timestamp.IsZero() {
		verr.add("timestamp", "must be a valid time")
	}
	return verr.orNil()
}

// ToRecord converts a validated envelope into an unsaved record.
func (e Envelope) ToRecord() Record {
	rec := Record{
		DeviceID:   e.DeviceID,
		MetricName: e.MetricName,
		Value:      e.Value,
		Unit:       e.Unit,
	}
	if e.Timestamp != nil {
		rec.Timestamp = e.Timestamp.UTC()
	}
	return rec
}
