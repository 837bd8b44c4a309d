package http

import "net/http"

// ServiceName is reported by the root and health endpoints.
const ServiceName = "telemetry-service"

// NewRootHandler serves the service banner on "/" and 404 elsewhere.
func NewRootHandler(version string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"message": "Telemetry Service",
			"service": ServiceName,
			"version": version,
		})
	})
}

// NewHealthHandler reports liveness as JSON.
func NewHealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
	})
}
