package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kheina-com/backend-sub000/internal/metrics"
)

// Observe logs each request and records the HTTP metrics, labeled by chi
// route pattern so path parameters never explode label cardinality.
func Observe(logger zerolog.Logger) func(http.Handler) http.Handler {
	log := logger.With().Str("component", "http").Logger()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}

			elapsed := time.Since(start)
			metrics.RecordHTTPRequest(r.Method, route, ww.Status(), elapsed)

			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("elapsed", elapsed).
				Str("request_id", chimw.GetReqID(r.Context())).
				Msg("request")
		})
	}
}
