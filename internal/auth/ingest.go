package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	// HeaderIngestTimestamp carries the unix seconds the signature was made at.
	HeaderIngestTimestamp = "X-Ingest-Timestamp"
	// HeaderIngestSignature carries hex(HMAC-SHA256(secret, timestamp + "\n" + body)).
	HeaderIngestSignature = "X-Ingest-Signature"
)

// maxIngestBody caps signed request bodies.
const maxIngestBody = 1 << 20

// IngestAuthMiddleware validates producer ingest signatures.
type IngestAuthMiddleware struct {
	Secret  []byte
	MaxSkew time.Duration
}

// NewIngestAuthMiddleware constructs ingest auth middleware.
func NewIngestAuthMiddleware(secret []byte, maxSkew time.Duration) *IngestAuthMiddleware {
	return &IngestAuthMiddleware{Secret: secret, MaxSkew: maxSkew}
}

// Wrap enforces ingest signature validation.
func (m *IngestAuthMiddleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.Secret) == 0 {
			writeAuthError(w, http.StatusUnauthorized, "ingest auth not configured")
			return
		}
		timestamp := strings.TrimSpace(r.Header.Get(HeaderIngestTimestamp))
		signature := strings.TrimSpace(r.Header.Get(HeaderIngestSignature))
		if timestamp == "" || signature == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing ingest signature")
			return
		}
		ts, err := strconv.ParseInt(timestamp, 10, 64)
		if err != nil {
			writeAuthError(w, http.StatusUnauthorized, "invalid ingest timestamp")
			return
		}
		skew := time.Since(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if m.MaxSkew > 0 && skew > m.MaxSkew {
			writeAuthError(w, http.StatusUnauthorized, "ingest signature expired")
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody+1))
		if err != nil {
			writeAuthError(w, http.StatusBadRequest, "read body error")
			return
		}
		_ = r.Body.Close()
		if len(body) > maxIngestBody {
			writeAuthError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}

		expected := SignIngest(m.Secret, timestamp, body)
		if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
			writeAuthError(w, http.StatusUnauthorized, "invalid ingest signature")
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// SignIngest computes the signature a producer sends in HeaderIngestSignature.
func SignIngest(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
