package dispatch

import (
	"net/http"
	"strings"

	"github.com/claw-compactor/claude-code-proxy/pkg/models"
)

// resolveModel maps a raw client-supplied model string to its canonical
// family by substring match, defaulting to sonnet for anything unrecognized.
func resolveModel(raw string) models.ModelFamily {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "opus"):
		return models.ModelOpus
	case strings.Contains(lower, "haiku"):
		return models.ModelHaiku
	case strings.Contains(lower, "sonnet"):
		return models.ModelSonnet
	default:
		return models.ModelSonnet
	}
}

// identifySource derives the logical client identity sharing the upstream
// subscription: explicit source header, else the bearer/API key, else the
// remote address.
func identifySource(r *http.Request) string {
	if s := r.Header.Get("x-source"); s != "" {
		return s
	}
	if s := r.Header.Get("x-openclaw-source"); s != "" {
		return s
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return "token:" + strings.TrimPrefix(auth, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return "token:" + key
	}
	return "addr:" + r.RemoteAddr
}
