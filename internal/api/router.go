package api

import (
	"net/http"

	"github.com/claw-compactor/claude-code-proxy/internal/api/handlers"
	"github.com/claw-compactor/claude-code-proxy/internal/api/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all API routes, wired to the
// given handler bundle and auth token.
func NewRouter(api *handlers.API, authToken string) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.SourceExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(middleware.NewAuthMiddleware(authToken).Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Api-Key", "X-Source", "X-Openclaw-Source"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", api.Health)
	r.Get("/version", api.Version)
	r.Get("/metrics", api.Metrics)
	r.Get("/events", api.Events)
	r.Get("/stream", api.Stream)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", api.ChatCompletions)
		r.Get("/models", api.ListModels)
	})

	return r
}
