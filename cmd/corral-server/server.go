package main

import (
	"context"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/corralhq/corral/internal/auth"
	"github.com/corralhq/corral/internal/deviceflow"
	"github.com/corralhq/corral/internal/entitle"
	"github.com/corralhq/corral/internal/token"
	"github.com/corralhq/corral/internal/usage"
)

type server struct {
	cfg      Config
	router   *chi.Mux
	flow     *deviceflow.Flow
	tokens   *token.Manager
	meter    *usage.Meter
	catalog  *entitle.Catalog
	sessions auth.SessionValidator
	users    auth.Directory
}

func newServer(cfg Config, flow *deviceflow.Flow, tokens *token.Manager, meter *usage.Meter,
	catalog *entitle.Catalog, sessions auth.SessionValidator, users auth.Directory) *server {

	srv := &server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		flow:     flow,
		tokens:   tokens,
		meter:    meter,
		catalog:  catalog,
		sessions: sessions,
		users:    users,
	}

	srv.router.Use(middleware.Logger)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(middleware.RealIP)
	srv.router.Use(middleware.Timeout(30 * time.Second))

	srv.routes()

	return srv
}

func (s *server) routes() {
	s.router.Get("/health", s.handleHealth())

	s.router.Route(s.cfg.BasePath, func(r chi.Router) {
		// Device authorization grant. The device code itself is the
		// credential on the unauthenticated endpoints.
		r.Post("/device/authorize", s.handleDeviceAuthorize())
		r.Post("/device/verify", s.handleDeviceVerify())
		r.Post("/device/token", s.handleDeviceToken())
		r.Post("/device/refresh", s.handleDeviceRefresh())

		// API key management.
		r.Post("/apikeys", s.handleCreateAPIKey())
		r.Get("/apikeys", s.handleListAPIKeys())
		r.Delete("/apikeys/{id}", s.handleRevokeAPIKey())

		// Usage metering.
		r.Post("/usage/track", s.handleUsageTrack())
		r.Post("/usage/reset", s.handleUsageReset())
		r.Get("/usage/{meterId}", s.handleUsageGet())

		// Entitlement resolution for UI gates.
		r.Get("/entitlement/{featureId}", s.handleEntitlement())
	})
}

func (s *server) checkHealth(ctx context.Context) error {
	return s.flow.CheckHealth(ctx)
}
