// Package api assembles the chi router: global middleware, health and
// version probes, and the versioned resource routes.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/airweave/airweave/internal/api/handlers"
	"github.com/airweave/airweave/internal/api/middleware"
	"github.com/airweave/airweave/internal/config"
	"github.com/airweave/airweave/internal/store"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, st store.Store, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.Logger)
	r.Use(middleware.OrgExtractor(st))
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Organization-ID", "X-User-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(st))
	r.Get("/version", versionHandler(cfg))

	r.Route("/collections", func(r chi.Router) {
		r.Get("/", h.ListCollections)
		r.Post("/", h.CreateCollection)
		r.Route("/{readableID}", func(r chi.Router) {
			r.Get("/", h.GetCollection)
			r.Delete("/", h.DeleteCollection)
			r.Post("/search", h.Search)
			r.Post("/search/stream", h.SearchStream)
		})
	})

	r.Route("/sources", func(r chi.Router) {
		r.Get("/", h.ListSources)
		r.Get("/{shortName}", h.GetSource)
	})

	r.Route("/source-connections", func(r chi.Router) {
		r.Get("/", h.ListSourceConnections)
		r.Post("/", h.CreateSourceConnection)

		// OAuth authorize proxy; the short code expands to the provider URL.
		r.Get("/authorize/{code}", h.Authorize)

		// Anonymous OAuth callback; the state token is the identity proof.
		r.Get("/callback", h.OAuthCallback)

		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.GetSourceConnection)
			r.Patch("/", h.UpdateSourceConnection)
			r.Delete("/", h.DeleteSourceConnection)
			r.Post("/run", h.RunSourceConnection)

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", h.ListSyncJobs)
				r.Get("/stream", h.StreamSyncEvents)
				r.Get("/{jobID}", h.GetSyncJob)
				r.Post("/{jobID}/cancel", h.CancelSyncJob)
			})
		})
	})

	return r
}

func healthHandler(st store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := st.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "airweave",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "airweave",
		})
	}
}
