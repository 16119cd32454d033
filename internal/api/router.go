package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/open-notebook/open-notebook/internal/api/handlers"
	"github.com/open-notebook/open-notebook/internal/api/middleware"
	"github.com/open-notebook/open-notebook/internal/auth"
	"github.com/open-notebook/open-notebook/internal/config"
)

// NewRouter assembles the HTTP surface: global middleware, public
// health/auth endpoints, then the authenticated API.
func NewRouter(cfg *config.Config, h *handlers.Handlers, issuer *auth.Issuer) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Trace-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.NewAuth(issuer).Handler)

	r.Get("/health", h.Health)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", h.Register)
			r.Post("/login", h.Login)
			r.Get("/me", h.Me)
		})

		r.Route("/sources", func(r chi.Router) {
			r.Get("/", h.ListSources)
			r.Post("/", h.CreateSource)
			r.Route("/{sourceID}", func(r chi.Router) {
				r.Get("/", h.GetSource)
				r.Delete("/", h.DeleteSource)
				r.Post("/retry", h.RetrySource)
				r.Get("/insights", h.ListSourceInsights)
			})
		})

		r.Route("/chat", func(r chi.Router) {
			r.Post("/execute/stream", h.ChatStream)
			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", h.ListChatSessions)
				r.Post("/", h.CreateChatSession)
				r.Get("/{sessionID}", h.GetChatSession)
				r.Delete("/{sessionID}", h.DeleteChatSession)
			})
		})

		r.Route("/settings/secrets", func(r chi.Router) {
			r.Get("/", h.ListSecrets)
			r.Route("/{provider}", func(r chi.Router) {
				r.Put("/", h.PutSecret)
				r.Get("/reveal", h.RevealSecret)
				r.Delete("/", h.DeleteSecret)
			})
		})

		r.Route("/notebooks", func(r chi.Router) {
			r.Get("/", h.ListNotebooks)
			r.Post("/", h.CreateNotebook)
			r.Route("/{notebookID}", func(r chi.Router) {
				r.Get("/", h.GetNotebook)
				r.Put("/", h.UpdateNotebook)
				r.Delete("/", h.DeleteNotebook)
				r.Get("/sources", h.ListNotebookSources)
			})
		})

		r.Route("/notes", func(r chi.Router) {
			r.Get("/", h.ListNotes)
			r.Post("/", h.CreateNote)
			r.Route("/{noteID}", func(r chi.Router) {
				r.Get("/", h.GetNote)
				r.Put("/", h.UpdateNote)
				r.Delete("/", h.DeleteNote)
			})
		})

		r.Route("/transformations", func(r chi.Router) {
			r.Get("/", h.ListTransformations)
			r.Post("/", h.CreateTransformation)
			r.Route("/{transformationID}", func(r chi.Router) {
				r.Get("/", h.GetTransformation)
				r.Put("/", h.UpdateTransformation)
				r.Delete("/", h.DeleteTransformation)
			})
		})

		r.Post("/search", h.Search)

		r.Route("/models", func(r chi.Router) {
			r.Get("/defaults", h.GetModelDefaults)
			r.Put("/defaults", h.PutModelDefaults)
			r.Get("/providers", h.ListProviders)
		})

		r.Route("/podcasts", func(r chi.Router) {
			r.Route("/episodes", func(r chi.Router) {
				r.Get("/", h.ListEpisodes)
				r.Post("/", h.CreateEpisode)
				r.Get("/{episodeID}", h.GetEpisode)
			})
			r.Get("/profiles", h.ListEpisodeProfiles)
			r.Get("/speakers", h.ListSpeakerProfiles)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Get("/users", h.ListUsers)
			r.Post("/users/{userID}/wipe", h.WipeUser)
		})
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "open-notebook",
		})
	}
}
