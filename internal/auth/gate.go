// Package auth implements the yes/no authorization decision applied to
// every inbound connection and submission before any dispatch happens.
package auth

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// Header names inspected by the gate.
const (
	HeaderAuthorization = "Authorization"
	HeaderAPIKey        = "X-API-Key"
)

// Gate accepts a request when its Authorization header exactly equals
// "Bearer <BearerToken>" or its X-API-Key header exactly equals APIKey.
// An empty credential disables that branch.
type Gate struct {
	BearerToken string
	APIKey      string
}

// Allow reports whether the headers carry an accepted credential.
func (g Gate) Allow(h http.Header) bool {
	if g.BearerToken != "" && equal(h.Get(HeaderAuthorization), "Bearer "+g.BearerToken) {
		return true
	}
	if g.APIKey != "" && equal(h.Get(HeaderAPIKey), g.APIKey) {
		return true
	}
	return false
}

// Configured reports whether at least one credential is set.
func (g Gate) Configured() bool {
	return g.BearerToken != "" || g.APIKey != ""
}

func equal(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// Middleware rejects unauthorized requests with 401 before next runs.
func Middleware(g Gate, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.Allow(r.Header) {
				logger.Warn("unauthorized request",
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr)
				Reject(w)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Reject writes the standard unauthorized response.
func Reject(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"Unauthorized"}`))
}
