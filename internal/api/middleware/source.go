package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// SourceKey is the context key holding the request's logical source
// identity, the unit the fair queue and rate limiter key on.
const SourceKey contextKey = "source"

// SourceExtractor derives the logical client identity sharing one upstream
// subscription: the X-Source header, then X-Openclaw-Source, then the
// remote address. This only seeds the context for logging/tracing
// middleware placed after it in the chain — the dispatcher derives the
// authoritative value itself (identifySource), which also considers the
// bearer token and x-api-key before falling back to the remote address.
func SourceExtractor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		source := strings.TrimSpace(r.Header.Get("X-Source"))
		if source == "" {
			source = strings.TrimSpace(r.Header.Get("X-Openclaw-Source"))
		}
		if source == "" {
			source = "addr:" + r.RemoteAddr
		}
		ctx := context.WithValue(r.Context(), SourceKey, source)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetSource retrieves the logical source identity from the request context.
func GetSource(ctx context.Context) string {
	if v, ok := ctx.Value(SourceKey).(string); ok {
		return v
	}
	return ""
}
