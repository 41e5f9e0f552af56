// Package server constructs the HTTP server: the chi router, the ambient
// middleware stack (request id, recovery, logging, metrics, request gate),
// and the operational routes (healthz, readyz, metrics, openapi).
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/kheina-com/backend-sub000/internal/httpapi/middleware"
)

// readyTimeout bounds one readiness probe.
const readyTimeout = 2 * time.Second

// Options configure the HTTP server instance.
type Options struct {
	Port           int
	Logger         zerolog.Logger
	Gate           *middleware.Gate
	Readiness      func(context.Context) error
	RegisterRoutes func(chi.Router)
}

// New constructs an http.Server with operational routes pre-wired. Routes
// registered through RegisterRoutes sit behind the request gate.
func New(opts Options) *http.Server {
	if opts.Readiness == nil {
		opts.Readiness = func(context.Context) error { return nil }
	}

	router := chi.NewRouter()
	router.Use(chimw.RequestID)
	router.Use(chimw.Recoverer)
	router.Use(middleware.Observe(opts.Logger))

	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		if err := opts.Readiness(ctx); err != nil {
			opts.Logger.Warn().Err(err).Msg("readiness check failed")
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})

	router.Get("/metrics", promhttp.Handler().ServeHTTP)

	router.Group(func(r chi.Router) {
		if opts.Gate != nil {
			r.Use(opts.Gate.Handler)
		}

		// The gate passes this path through unauthenticated.
		r.Get("/openapi.json", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"openapi":"3.1.0","info":{"title":"auth","version":"1"}}`))
		})

		if opts.RegisterRoutes != nil {
			opts.RegisterRoutes(r)
		}
	})

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
