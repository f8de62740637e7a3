package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// buildRouter constructs the chi router with all routes and middleware.
func (s *server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.Recoverer)
	r.Use(s.requestLogger)
	r.Use(s.corsMiddleware())

	rateLimit := s.cfg.API.Server.RateLimit

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if rateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(rateLimit.Public))
			}

			r.Get("/health", s.handleHealth)
			r.Get("/status", s.handleStatus)

			r.Get("/projects/{projectID}/runs", s.handleListRuns)
			r.Get("/projects/{projectID}/runs/{runID}", s.handleGetRun)
		})

		r.Group(func(r chi.Router) {
			if rateLimit.Enabled {
				r.Use(s.rateLimitMiddleware(rateLimit.Uploads))
			}

			if s.cfg.API.Auth.Enabled {
				r.Use(s.requireUploadToken)
			}

			r.Post("/projects/{projectID}/runs", s.handleUploadRun)
		})
	})

	return r
}

// corsMiddleware returns the CORS handler for configured origins.
func (s *server) corsMiddleware() func(http.Handler) http.Handler {
	origins := s.cfg.API.Server.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	return cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "HEAD", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	})
}
