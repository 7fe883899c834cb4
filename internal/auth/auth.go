// Package auth provides the single bearer-token check that gates the
// admin and ingest routes. The token may arrive as an Authorization header
// or, for routes a browser EventSource/fetch subscriber opens without
// control over request headers, a "token" query parameter. Playback and
// HLS proxy routes are intentionally left unauthenticated; per-viewer
// playback authorization is out of scope.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/castforge/ingestd/internal/errkind"
)

// TokenChecker validates the bearer token carried on protected requests.
type TokenChecker struct {
	token string
}

// New returns a TokenChecker comparing incoming tokens against token using a
// constant-time comparison.
func New(token string) *TokenChecker {
	return &TokenChecker{token: token}
}

// Check extracts the bearer token from r's Authorization header, or failing
// that its "token" query parameter, and compares it against the configured
// token. The query-parameter fallback exists for subscribers (EventSource,
// plain fetch) that cannot set an Authorization header on a long-lived GET,
// such as the progress SSE stream.
func (c *TokenChecker) Check(r *http.Request) error {
	presented, ok := c.extractToken(r)
	if !ok {
		return errkind.New(errkind.Unauthorized, "missing bearer token")
	}
	if subtle.ConstantTimeCompare([]byte(presented), []byte(c.token)) != 1 {
		return errkind.New(errkind.Unauthorized, "invalid bearer token")
	}
	return nil
}

func (c *TokenChecker) extractToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, prefix) {
		return strings.TrimPrefix(header, prefix), true
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, true
	}
	return "", false
}

// Middleware wraps next, rejecting any request that fails Check.
func (c *TokenChecker) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := c.Check(r); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ingestd"`)
			http.Error(w, `{"error":{"code":"unauthorized","message":"unauthorized"}}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
