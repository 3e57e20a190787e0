package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// AuthMiddleware enforces the single shared bearer token configured for
// this proxy instance. When no token is configured, auth is disabled and
// every request passes through — useful for local development behind a
// trusted network boundary.
type AuthMiddleware struct {
	token   string
	enabled bool
}

// NewAuthMiddleware builds the auth middleware from the configured token.
func NewAuthMiddleware(token string) *AuthMiddleware {
	return &AuthMiddleware{token: token, enabled: token != ""}
}

// Handler returns the http.Handler middleware enforcing the token.
func (a *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.enabled || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		candidate := extractToken(r)
		if candidate == "" || subtle.ConstantTimeCompare([]byte(candidate), []byte(a.token)) != 1 {
			respondUnauthorized(w)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return ""
}

func isPublicPath(path string) bool {
	switch path {
	case "/health", "/version":
		return true
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="claude-code-proxy"`)
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": "a valid bearer token is required",
	})
}
