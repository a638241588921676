package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
type RouterConfig struct {
	// BackendAPIKey must be provided in X-API-Key or Authorization: Bearer <key>.
	// Empty skips auth (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list. Empty allows "*".
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(MaxBodySize(maxBodyBytes))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins(cfg.CorsAllowedOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	// Providers call back without our key; deliveries are deduplicated instead.
	r.Post("/webhooks/{provider}", h.Webhook)

	r.Route("/v1", func(r chi.Router) {
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey, h.log))
		}

		r.Post("/campaigns", h.CreateCampaign)
		r.Route("/campaigns/{id}", func(r chi.Router) {
			r.Get("/", h.GetCampaign)
			r.Get("/progress", h.GetProgress)
			r.Post("/generate", h.GenerateCampaign)
			r.Post("/assemble", h.AssembleCampaign)
			r.Get("/assemblies", h.ListAssemblies)
			r.Put("/post-process", h.SetPostProcess)

			r.Post("/beats/{order}/regenerate", h.RegenerateBeat)
			r.Put("/beats/{order}/adjustments", h.UpdateAdjustments)
		})

		r.Post("/recovery/scan", h.RecoveryScan)
	})

	return r
}

func allowedOrigins(csv string) []string {
	var out []string
	for _, o := range strings.Split(csv, ",") {
		if s := strings.TrimSpace(o); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
