package auth

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoToken(t *testing.T) {
	secret := []byte("test-secret")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/telemetry/history/d1", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
	if resp.Header().Get("WWW-Authenticate") == "" {
		t.Fatalf("expected bearer challenge")
	}
}

func TestAuthMiddleware_ViewerForbiddenSubmit(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "viewer")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ViewerCanQuery(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "viewer")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	var role Role
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role = RoleFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/telemetry/latest/d1/temperature", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if role != RoleViewer {
		t.Fatalf("expected viewer identity in context, got %q", role)
	}
}

func TestAuthMiddleware_OperatorForbiddenDeadLetters(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "operator")
	mw := NewMiddleware(secret, NewDefaultPolicy(nil, nil))
	handler := mw.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/telemetry/dead-letters", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected json error, got %q", ct)
	}
	if !strings.Contains(resp.Body.String(), `"forbidden: requires dead-letters:read"`) {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}
}

func TestPolicy_PermissionByRoute(t *testing.T) {
	policy := NewDefaultPolicy(nil, nil)
	cases := []struct {
		method, path string
		want         Permission
		role         Role
	}{
		{http.MethodGet, "/api/telemetry/history/d1", PermissionReadHistory, RoleViewer},
		{http.MethodGet, "/api/telemetry/latest/d1/temperature", PermissionReadHistory, RoleViewer},
		{http.MethodGet, "/api/telemetry/history/d1/export.csv", PermissionExportHistory, RoleViewer},
		{http.MethodGet, "/api/telemetry/stream", PermissionStreamRecords, RoleViewer},
		{http.MethodPost, "/api/telemetry", PermissionSubmitTelemetry, RoleOperator},
		{http.MethodGet, "/api/telemetry/dead-letters", PermissionReadDeadLetters, RoleAdmin},
	}
	for _, tc := range cases {
		perm, ok := policy.Permission(httptest.NewRequest(tc.method, tc.path, nil))
		if !ok || perm != tc.want {
			t.Fatalf("%s %s: expected %s, got %s ok=%v", tc.method, tc.path, tc.want, perm, ok)
		}
		if role, _ := policy.RequiredRole(httptest.NewRequest(tc.method, tc.path, nil)); role != tc.role {
			t.Fatalf("%s %s: expected role %s, got %s", tc.method, tc.path, tc.role, role)
		}
	}
	if _, ok := policy.Permission(httptest.NewRequest(http.MethodGet, "/metrics", nil)); ok {
		t.Fatalf("expected routes outside the api to be unguarded")
	}
}

func TestNormalizeRole_Aliases(t *testing.T) {
	cases := map[string]Role{
		"Viewer":    RoleViewer,
		" ADMIN ":   RoleAdmin,
		"producer":  RoleOperator,
		"device":    RoleOperator,
		"dashboard": RoleViewer,
	}
	for raw, want := range cases {
		if got, ok := NormalizeRole(raw); !ok || got != want {
			t.Fatalf("NormalizeRole(%q) = %q %v, want %q", raw, got, ok, want)
		}
	}
	if _, ok := NormalizeRole("root"); ok {
		t.Fatalf("expected unknown role rejected")
	}
	if Allows("", PermissionReadHistory) {
		t.Fatalf("expected empty role denied")
	}
	if !Allows(RoleOperator, PermissionSubmitTelemetry) || Allows(RoleOperator, PermissionReadDeadLetters) {
		t.Fatalf("unexpected operator grants")
	}
	if RoleFor(Permission("unknown")) != RoleAdmin {
		t.Fatalf("expected unknown permission to need admin")
	}
}

func TestAuthMiddleware_ProducerTokenCanSubmit(t *testing.T) {
	secret := []byte("test-secret")
	token := mustToken(t, secret, "producer")
	handler := NewMiddleware(secret, NewDefaultPolicy(nil, nil)).Wrap(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/api/telemetry", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestAuthMiddleware_ExemptAndDisabled(t *testing.T) {
	policy := NewDefaultPolicy([]string{"/healthz"}, []string{"/ingest/"})
	enabled := NewMiddleware([]byte("test-secret"), policy).Wrap(okHandler())
	for _, path := range []string{"/healthz", "/ingest/telemetry"} {
		resp := httptest.NewRecorder()
		enabled.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, path, nil))
		if resp.Code != http.StatusOK {
			t.Fatalf("expected %s exempt, got %d", path, resp.Code)
		}
	}

	disabled := NewMiddleware(nil, policy).Wrap(okHandler())
	resp := httptest.NewRecorder()
	disabled.ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/telemetry", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected auth disabled without secret, got %d", resp.Code)
	}
}

func TestIssueJWT_RoundTrip(t *testing.T) {
	secret := []byte("test-secret")
	token, err := IssueJWT(secret, "svc-1", RoleOperator, time.Hour)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	claims, err := ParseJWT(token, secret)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Role != "operator" || claims.Subject != "svc-1" {
		t.Fatalf("unexpected claims %+v", claims)
	}
	if _, err := ParseJWT(token, []byte("other-secret")); err == nil {
		t.Fatalf("expected signature mismatch")
	}
	if _, err := IssueJWT(secret, "svc-1", Role("root"), time.Hour); err == nil {
		t.Fatalf("expected invalid role error")
	}
}

func TestIngestAuthMiddleware(t *testing.T) {
	secret := []byte("ingest-secret")
	mw := NewIngestAuthMiddleware(secret, time.Minute)
	var seen string
	handler := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := new(strings.Builder)
		_, _ = io.Copy(buf, r.Body)
		seen = buf.String()
		w.WriteHeader(http.StatusCreated)
	}))

	body := `{"device_id":"d1","metric_name":"m","value":1,"unit":"u"}`
	now := strconv.FormatInt(time.Now().Unix(), 10)
	stale := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)

	cases := []struct {
		name      string
		timestamp string
		signature string
		want      int
	}{
		{name: "valid", timestamp: now, signature: SignIngest(secret, now, []byte(body)), want: http.StatusCreated},
		{name: "missing", want: http.StatusUnauthorized},
		{name: "bad signature", timestamp: now, signature: SignIngest([]byte("x"), now, []byte(body)), want: http.StatusUnauthorized},
		{name: "expired", timestamp: stale, signature: SignIngest(secret, stale, []byte(body)), want: http.StatusUnauthorized},
		{name: "bad timestamp", timestamp: "yesterday", signature: "00", want: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodPost, "/ingest/telemetry", strings.NewReader(body))
			if tc.timestamp != "" {
				req.Header.Set(HeaderIngestTimestamp, tc.timestamp)
			}
			if tc.signature != "" {
				req.Header.Set(HeaderIngestSignature, tc.signature)
			}
			resp := httptest.NewRecorder()
			handler.ServeHTTP(resp, req)
			if resp.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, resp.Code)
			}
			if tc.want == http.StatusCreated && seen != body {
				t.Fatalf("expected body replayed to handler, got %q", seen)
			}
		})
	}
}

func mustToken(t *testing.T, secret []byte, role string) string {
	t.Helper()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "user-1",
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
