// Package core provides the HTTP chassis for the subledger service. It
// creates a chi router that runs unchanged under net/http (local dev, long
// running deployments) and AWS Lambda proxy integration (via chiadapter),
// and applies the cross-cutting middleware before requests reach the
// handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"subledger/internal/config"
	"subledger/internal/metrics"
)

// RouteRegistrar mounts a group of routes on a router.
type RouteRegistrar func(r chi.Router)

// Server carries the dependencies shared by all routes. Handlers are mounted
// through the registrar slices so that core never imports handler packages.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   metrics.Recorder

	// HealthProbes are run by GET /health.
	HealthProbes []HealthProbe
	// MetricsHandler is mounted at Observability.MetricsPath when set.
	MetricsHandler http.Handler

	// RootRouteRegistrars mount outside /v1 without compression. Webhook
	// routes live here because their body must reach the verifier untouched.
	RootRouteRegistrars []RouteRegistrar
	V1RouteRegistrars   []RouteRegistrar

	closers []func()
	router  *chi.Mux
}

// NewServer validates the required dependencies and prepares an empty
// router. The caller mounts routes with MountRoutes after wiring registrars.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		Metrics:   metrics.Nop{},
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router as an http.Handler for http.Server or
// chiadapter.New.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// OnShutdown registers fn to run during Shutdown, in reverse order of
// registration.
func (s *Server) OnShutdown(fn func()) {
	s.closers = append(s.closers, fn)
}

// Shutdown releases the resources registered with OnShutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
