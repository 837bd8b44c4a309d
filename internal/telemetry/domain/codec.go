package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeCBOR = "application/cbor"
)

// ErrUnsupportedContentType is returned for payload media types with no codec.
var ErrUnsupportedContentType = errors.New("telemetry: unsupported content type")

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

var (
	cborDecMode cbor.DecMode
	cborEncMode cbor.EncMode
)

func init() {
	var err error
	cborDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("telemetry: cbor decoder initialization failed: " + err.Error())
	}
	cborEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("telemetry: cbor encoder initialization failed: " + err.Error())
	}
}

// wireEnvelope is the queue/HTTP payload. Pointers distinguish missing from zero.
type wireEnvelope struct {
	DeviceID   *string  `json:"device_id" cbor:"device_id"`
	MetricName *string  `json:"metric_name" cbor:"metric_name"`
	Value      *float64 `json:"value" cbor:"value"`
	Unit       *string  `json:"unit" cbor:"unit"`
	Timestamp  *string  `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
}

// DecodeEnvelope decodes and validates a wire payload.
// An empty content type is treated as JSON.
func DecodeEnvelope(body []byte, contentType string) (Envelope, error) {
	var wire wireEnvelope
	switch mediaType(contentType) {
	case ContentTypeJSON, "text/json", "":
		if err := json.Unmarshal(body, &wire); err != nil {
			return Envelope{}, jsonDecodeError(err)
		}
	case ContentTypeCBOR:
		if err := cborDecMode.Unmarshal(body, &wire); err != nil {
			return Envelope{}, cborDecodeError(err)
		}
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
	return wire.toEnvelope()
}

// EncodeEnvelope renders an envelope in the given wire format.
func EncodeEnvelope(env Envelope, contentType string) ([]byte, error) {
	wire := wireEnvelope{
		DeviceID:   &env.DeviceID,
		MetricName: &env.MetricName,
		Value:      &env.Value,
		Unit:       &env.Unit,
	}
	if env.Timestamp != nil {
		ts := env.Timestamp.UTC().Format(time.RFC3339Nano)
		wire.Timestamp = &ts
	}
	switch mediaType(contentType) {
	case ContentTypeJSON, "":
		return json.Marshal(wire)
	case ContentTypeCBOR:
		return cborEncMode.Marshal(wire)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedContentType, contentType)
	}
}

// ParseTimestamp accepts RFC3339 and zone-less ISO-8601 forms; zone-less values are UTC.
func ParseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", value)
}

func (w wireEnvelope) toEnvelope() (Envelope, error) {
	verr := &ValidationError{}
	env := Envelope{}
	if w.DeviceID == nil {
		verr.add("device_id", "is required")
	} else {
		env.DeviceID = *w.DeviceID
	}
	if w.MetricName == nil {
		verr.add("metric_name", "is required")
	} else {
		env.MetricName = *w.MetricName
	}
	if w.Value == nil {
		verr.add("value", "is required")
	} else {
		env.Value = *w.Value
	}
	if w.Unit == nil {
		verr.add("unit", "is required")
	} else {
		env.Unit = *w.Unit
	}
	if w.Timestamp != nil && *w.Timestamp != "" {
		ts, err := ParseTimestamp(*w.Timestamp)
		if err != nil {
			verr.add("timestamp", "must be an ISO-8601 datetime")
		} else {
			env.Timestamp = &ts
		}
	}
	if err := verr.orNil(); err != nil {
		return Envelope{}, err
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func mediaType(contentType string) string {
	if contentType == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return parsed
}

func jsonDecodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) && typeErr.Field != "" {
		return NewValidationError(typeErr.Field, "has wrong type "+typeErr.Value)
	}
	return NewValidationError("body", "invalid json")
}

func cborDecodeError(err error) error {
	var typeErr *cbor.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return NewValidationError("body", typeErr.Error())
	}
	return NewValidationError("body", "invalid cbor")
}
