// Command authserver is the authentication and session service.
//
// Purpose:
//
//	Serves the /v1/account surface: login (password + OTP), logout, account
//	creation and recovery, bot credentials, and OTP management. Every other
//	route in the deployment sits behind this service's request gate, which
//	verifies bearer tokens and enforces IP and user bans.
//
// Debugging Notes:
//   - Server starts on HTTP_PORT (default 8080)
//   - Readiness probe checks Postgres and Redis connectivity
//   - Graceful shutdown allows in-flight requests to complete (10s timeout)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kheina-com/backend-sub000/internal/auth"
	"github.com/kheina-com/backend-sub000/internal/bootstrap"
	"github.com/kheina-com/backend-sub000/internal/config"
	"github.com/kheina-com/backend-sub000/internal/httpapi/account"
	"github.com/kheina-com/backend-sub000/internal/httpapi/middleware"
	"github.com/kheina-com/backend-sub000/internal/logging"
	"github.com/kheina-com/backend-sub000/internal/server"
)

func main() {
	cfg := config.MustLoad()
	logger := logging.New(cfg.ServiceName, cfg.LogLevel)
	logger.Info().
		Str("env", cfg.Environment).
		Int("port", cfg.HTTPPort).
		Msg("starting auth server")

	ctx := context.Background()
	runtime, err := bootstrap.Initialize(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to bootstrap runtime")
	}
	logger.Info().Msg("runtime dependencies initialized")

	gate := middleware.NewGate(runtime.Codec, runtime.Bans, logger)
	accounts := account.NewHandler(runtime.Authenticator, runtime.Flow, cfg.IsLocal(), logger)

	srv := server.New(server.Options{
		Port:      cfg.HTTPPort,
		Logger:    logger,
		Gate:      gate,
		Readiness: runtime.ReadinessProbe,
		RegisterRoutes: func(r chi.Router) {
			r.Mount("/v1/account", accounts.Routes(
				middleware.RequireScopes(logger, auth.ScopeUser),
				middleware.RequireScopes(logger, auth.ScopeAdmin),
			))
		},
	})

	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("server shutdown error")
	}
	if err := runtime.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("runtime close error")
	}
	logger.Info().Msg("stopped")
}
