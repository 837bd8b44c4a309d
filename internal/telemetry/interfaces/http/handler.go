package http

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"telemetry-service/internal/eventing"
	"telemetry-service/internal/observability/metrics"
	"telemetry-service/internal/telemetry/application"
	"telemetry-service/internal/telemetry/domain"
	"telemetry-service/internal/telemetry/interfaces/export"
)

const (
	maxBodyBytes = 1 << 20

	historyPrefix = "/api/telemetry/history/"
	latestPrefix  = "/api/telemetry/latest/"
)

// Recorder persists one envelope.
type Recorder interface {
	Record(ctx context.Context, env telemetry.Envelope, source string) (telemetry.Record, error)
}

// Queries reads telemetry history.
type Queries interface {
	History(ctx context.Context, q application.HistoryQuery) ([]telemetry.Record, error)
	Latest(ctx context.Context, deviceID, metricName string) (telemetry.Record, error)
}

// Handler serves the telemetry ingress and query API.
type Handler struct {
	recorder    Recorder
	queries     Queries
	deadLetters eventing.DeadLetterLister
	queueName   string
	logger      *log.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithDeadLetters exposes dead letters of queue on /api/telemetry/dead-letters.
func WithDeadLetters(lister eventing.DeadLetterLister, queue string) Option {
	return func(h *Handler) {
		h.deadLetters = lister
		h.queueName = queue
	}
}

// WithLogger sets the logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs a handler.
func NewHandler(recorder Recorder, queries Queries, opts ...Option) (*Handler, error) {
	if recorder == nil {
		return nil, errors.New("telemetry handler: nil recorder")
	}
	if queries == nil {
		return nil, errors.New("telemetry handler: nil query service")
	}
	h := &Handler{recorder: recorder, queries: queries, logger: log.Default()}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// ServeHTTP handles /api/telemetry and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/api/telemetry" || path == "/api/telemetry/":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleSubmit(w, r)
	case path == "/api/telemetry/dead-letters":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleDeadLetters(w, r)
	case strings.HasPrefix(path, historyPrefix):
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleHistory(w, r, strings.TrimPrefix(path, historyPrefix))
	case strings.HasPrefix(path, latestPrefix):
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleLatest(w, r, strings.TrimPrefix(path, latestPrefix))
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// IngestHandler accepts producer submissions on the signed ingest path.
func (h *Handler) IngestHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleSubmit(w, r)
	})
}

func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body error")
		return
	}
	if len(body) > maxBodyBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	env, err := telemetry.DecodeEnvelope(body, r.Header.Get("Content-Type"))
	if err != nil {
		metrics.IncIngestError("decode")
		respondError(w, h.logger, "decode", err)
		return
	}
	rec, err := h.recorder.Record(r.Context(), env, metrics.SourceHTTP)
	if err != nil {
		respondError(w, h.logger, "record", err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request, rest string) {
	deviceID, format, ok := splitExport(rest)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	query, err := parseHistoryQuery(r, deviceID)
	if err != nil {
		metrics.IncQuery("history", metrics.ResultInvalid)
		respondError(w, h.logger, "history", err)
		return
	}
	records, err := h.queries.History(r.Context(), query)
	if err != nil {
		metrics.IncQuery("history", resultOf(err))
		respondError(w, h.logger, "history", err)
		return
	}
	metrics.IncQuery("history", metrics.ResultSuccess)

	if format == "" {
		writeJSON(w, http.StatusOK, records)
		return
	}
	data, err := export.Build(format, deviceID, records)
	if err != nil {
		respondError(w, h.logger, "export", err)
		return
	}
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", `attachment; filename="telemetry-`+sanitizeFilename(deviceID)+"."+string(format)+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request, rest string) {
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	rec, err := h.queries.Latest(r.Context(), parts[0], parts[1])
	if err != nil {
		metrics.IncQuery("latest", resultOf(err))
		respondError(w, h.logger, "latest", err)
		return
	}
	metrics.IncQuery("latest", metrics.ResultSuccess)
	writeJSON(w, http.StatusOK, rec)
}

type deadLetterView struct {
	ID              string    `json:"id"`
	Queue           string    `json:"queue"`
	MessageID       string    `json:"message_id,omitempty"`
	Fingerprint     string    `json:"fingerprint"`
	ContentType     string    `json:"content_type,omitempty"`
	ContentEncoding string    `json:"content_encoding,omitempty"`
	Body            []byte    `json:"body"`
	Error           string    `json:"error"`
	Attempts        int       `json:"attempts"`
	RecordedAt      time.Time `json:"recorded_at"`
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deadLetters == nil {
		writeError(w, http.StatusNotFound, "dead letters not enabled")
		return
	}
	queue := r.URL.Query().Get("queue")
	if queue == "" {
		queue = h.queueName
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > application.MaxHistoryLimit {
			respondError(w, h.logger, "dead letters", telemetry.NewValidationError("limit", "must be between 1 and 1000"))
			return
		}
		limit = parsed
	}
	letters, err := h.deadLetters.ListDeadLetters(r.Context(), queue, limit)
	if err != nil {
		respondError(w, h.logger, "dead letters", err)
		return
	}
	views := make([]deadLetterView, 0, len(letters))
	for _, letter := range letters {
		views = append(views, deadLetterView(letter))
	}
	writeJSON(w, http.StatusOK, views)
}

// splitExport splits "{device_id}" or "{device_id}/export.{ext}".
func splitExport(rest string) (string, export.Format, bool) {
	parts := strings.Split(rest, "/")
	switch len(parts) {
	case 1:
		if parts[0] == "" {
			return "", "", false
		}
		return parts[0], "", true
	case 2:
		if parts[0] == "" || !strings.HasPrefix(parts[1], "export.") {
			return "", "", false
		}
		format, ok := export.ParseFormat(strings.TrimPrefix(parts[1], "export."))
		if !ok {
			return "", "", false
		}
		return parts[0], format, true
	default:
		return "", "", false
	}
}

func parseHistoryQuery(r *http.Request, deviceID string) (application.HistoryQuery, error) {
	values := r.URL.Query()
	query := application.HistoryQuery{
		DeviceID:   deviceID,
		MetricName: strings.TrimSpace(values.Get("metric_name")),
	}
	verr := &telemetry.ValidationError{}
	if raw := values.Get("start_time"); raw != "" {
		ts, err := telemetry.ParseTimestamp(raw)
		if err != nil {
			verr.Fields = append(verr.Fields, telemetry.FieldError{Field: "start_time", Message: "must be an ISO-8601 timestamp"})
		}
		query.Start = ts
	}
	if raw := values.Get("end_time"); raw != "" {
		ts, err := telemetry.ParseTimestamp(raw)
		if err != nil {
			verr.Fields = append(verr.Fields, telemetry.FieldError{Field: "end_time", Message: "must be an ISO-8601 timestamp"})
		}
		query.End = ts
	}
	if raw := values.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			verr.Fields = append(verr.Fields, telemetry.FieldError{Field: "limit", Message: "must be between 1 and 1000"})
		}
		query.Limit = limit
	}
	if len(verr.Fields) > 0 {
		return application.HistoryQuery{}, verr
	}
	return query, nil
}

func resultOf(err error) string {
	switch {
	case telemetry.IsValidation(err):
		return metrics.ResultInvalid
	case errors.Is(err, telemetry.ErrNotFound):
		return "not_found"
	default:
		return metrics.ResultError
	}
}

func sanitizeFilename(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
