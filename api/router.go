package api

import (
	"compress/flate"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"

	"github.com/minervahq/triage/api/capability"
	api_middleware "github.com/minervahq/triage/api/middleware"
	"github.com/minervahq/triage/api/pipeline"
	"github.com/minervahq/triage/api/routes"
	"github.com/minervahq/triage/config"
)

// NewRouter returns a chi router with endpoints registered.
func NewRouter(cfg config.Config, service *pipeline.Service, verdictDB *capability.VerdictDB) (chi.Router, error) {

	// Setup the router and configure baseline middleware
	r := chi.NewRouter()

	r.Use(api_middleware.Logger(cfg.Logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(flate.DefaultCompression))

	// Configure CORS handling
	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
	})
	r.Use(c.Handler)

	r.Route("/analysis", func(r chi.Router) {
		// the SSE stream sets its own content type
		r.Get("/runs/{runID}/events", routes.EventsRequest(&cfg, service))

		r.Group(func(r chi.Router) {
			r.Use(render.SetContentType(render.ContentTypeJSON))
			r.Post("/submit", routes.SubmitRequest(&cfg, service))
			r.Get("/runs/{runID}", routes.RunRequest(&cfg, service))
			r.Put("/runs/{runID}/cancel", routes.CancelRequest(&cfg, service))
			r.Get("/cached/{fingerprint}", routes.CachedRequest(&cfg, service))
			r.Get("/history", routes.HistoryRequest(&cfg, verdictDB))
			r.Get("/status", routes.StatusRequest(&cfg, service))
		})
	})

	return r, nil
}
