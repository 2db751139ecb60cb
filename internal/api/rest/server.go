package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/matterdock/matterdock-backend/internal/infrastructure/config"
	"github.com/matterdock/matterdock-backend/internal/infrastructure/telemetry"
)

// Server wraps http.Server with the standard middleware stack.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer assembles the listener around an already-routed mux.
func NewServer(cfg *config.ServerConfig, mux *http.ServeMux, logger *slog.Logger) *Server {
	handler := Chain(mux,
		Correlation(),
		Trace(),
		Recover(logger),
		RequestLogger(logger),
	)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			// WriteTimeout stays off: query streams outlive any fixed
			// bound, and cancellation rides the request context instead.
			IdleTimeout: cfg.ReadTimeout,
		},
		logger: logger,
	}
}

// Start blocks serving requests until Shutdown or listener failure.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server draining")
	return s.httpServer.Shutdown(ctx)
}

// MetricsRoutes exposes the Prometheus scrape endpoint.
func MetricsRoutes(mux *http.ServeMux) {
	mux.Handle("GET /metrics", telemetry.MetricsHandler())
}
