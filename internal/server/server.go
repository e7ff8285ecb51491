// Package server carries the HTTP surface: middleware chain, tenant
// binding, and route mounting for the proxy and management handlers.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/llm-tenant-gateway/internal/auth"
)

type Server struct {
	Router *chi.Mux
	Port   int

	logger        *slog.Logger
	authenticator *auth.Authenticator
	httpServer    *http.Server
}

func New(port int, logger *slog.Logger, authenticator *auth.Authenticator) *Server {
	r := chi.NewRouter()

	// Apply middleware in order
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(logger))
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(middleware.Recoverer)

	// Wrap with OpenTelemetry HTTP instrumentation
	r.Use(func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, "tenant-gateway")
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	return &Server{
		Router:        r,
		Port:          port,
		logger:        logger,
		authenticator: authenticator,
	}
}

// MountProxy places the proxy handler behind the bearer-token gate.
func (s *Server) MountProxy(pattern string, h http.Handler) {
	s.Router.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.authenticator))
		r.Mount(pattern, h)
	})
}

// MountAdmin places the management surface behind the same gate.
// Ownership and membership checks are layered above this service.
func (s *Server) MountAdmin(pattern string, h http.Handler) {
	s.Router.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.authenticator))
		r.Mount(pattern, h)
	})
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.Port),
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting server", slog.Int("port", s.Port))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests before returning.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}
