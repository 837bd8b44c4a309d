package events

import (
	"time"

	"telemetry-service/internal/telemetry/domain"
)

// TelemetryRecorded is raised after a record is durably appended.
type TelemetryRecorded struct {
	Record     telemetry.Record `json:"record"`
	Source     string           `json:"source"`
	OccurredAt time.Time        `json:"occurred_at"`
}
