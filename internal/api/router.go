package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is anything with a liveness probe, e.g. *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthChecker reports media-server reachability.
type HealthChecker interface {
	CheckHealth(ctx context.Context) bool
}

// NewRouter assembles the service's HTTP surface. mtx may be nil when
// no control API is configured; readiness then covers the database
// only.
func NewRouter(ph *PublishHandler, db Pinger, mtx HealthChecker) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := db.PingContext(ctx); err != nil {
			respondError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
		if mtx != nil && !mtx.CheckHealth(ctx) {
			respondError(w, http.StatusServiceUnavailable, "media server unreachable")
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"ready": true})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/cameras", ph.ListCameras)
		r.Route("/cameras/{id}", func(r chi.Router) {
			r.Post("/publish/start", ph.Start)
			r.Post("/publish/stop", ph.Stop)
			r.Get("/publish/status", ph.Status)
			r.Get("/publish/history", ph.History)
			r.Put("/credentials", ph.SetCredentials)
		})
		r.Route("/publish", func(r chi.Router) {
			r.Get("/active", ph.Active)
			r.Get("/config", ph.GetConfig)
			r.Put("/config", ph.SaveConfig)
		})
	})

	return r
}
