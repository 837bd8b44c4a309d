package http

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"telemetry-service/internal/telemetry/domain"
)

type errorResponse struct {
	Error   string                 `json:"error"`
	Details []telemetry.FieldError `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// respondError maps domain errors to status codes. Storage errors are logged
// and hidden behind a generic message.
func respondError(w http.ResponseWriter, logger *log.Logger, op string, err error) {
	var verr *telemetry.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Details: verr.Fields})
	case errors.Is(err, telemetry.ErrNotFound):
		writeError(w, http.StatusNotFound, "telemetry not found")
	case errors.Is(err, telemetry.ErrUnsupportedContentType):
		writeError(w, http.StatusUnsupportedMediaType, "unsupported content type")
	default:
		logger.Printf("telemetry http: %s: %v", op, err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
