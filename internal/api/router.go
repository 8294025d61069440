package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// BackendAPIKey guards /v1. Empty disables auth (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list. Empty allows "*".
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// RequestID runs first so the request logger can report it
	r.Use(middleware.RequestID)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CorsAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/v1", func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}

		r.Post("/scripts", h.ImportScript)
		r.Route("/scripts/{id}", func(r chi.Router) {
			r.Post("/render", h.StartRender)
			r.Post("/chapters/{chapterId}/render", h.RenderChapter)
			r.Post("/stitch", h.Stitch)
			r.Post("/quality", h.QualityCheck)
			r.Get("/progress", h.GetProgress)
		})
	})

	return r
}

func allowedOrigins(csv string) []string {
	origins := make([]string, 0)
	for _, o := range strings.Split(csv, ",") {
		if s := strings.TrimSpace(o); s != "" {
			origins = append(origins, s)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
