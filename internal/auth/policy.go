package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// Permission resolves the telemetry action a request performs. ok is false for
// routes outside the API.
func (p Policy) Permission(r *http.Request) (Permission, bool) {
	if r == nil {
		return "", false
	}
	path := r.URL.Path
	switch {
	case path == "/api/telemetry/dead-letters":
		return PermissionReadDeadLetters, true
	case strings.HasPrefix(path, "/api/telemetry/history/") && strings.Contains(path, "/export."):
		return PermissionExportHistory, true
	case path == "/api/telemetry/stream":
		return PermissionStreamRecords, true
	case !strings.HasPrefix(path, "/api/"):
		return "", false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return PermissionReadHistory, true
	default:
		return PermissionSubmitTelemetry, true
	}
}

// RequiredRole resolves required role for the request.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	perm, ok := p.Permission(r)
	if !ok {
		return "", false
	}
	return RoleFor(perm), true
}
