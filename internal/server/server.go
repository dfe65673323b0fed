package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sundayezeilo/tokengate/internal/config"
	"github.com/sundayezeilo/tokengate/internal/httpx"
	"github.com/sundayezeilo/tokengate/internal/identity"
	"github.com/sundayezeilo/tokengate/internal/obs"
	"github.com/sundayezeilo/tokengate/internal/ratelimit"
)

// Deps are the handlers the server routes to.
type Deps struct {
	RateLimit *ratelimit.Handler
	Identity  *identity.Store
	// Upstream receives every admitted /api/ request other than the status route.
	Upstream http.Handler
	// Metrics and MetricsHandler are optional.
	Metrics        *obs.Metrics
	MetricsHandler http.Handler
}

// Server represents the HTTP server with all dependencies.
type Server struct {
	config *config.Config
	logger *slog.Logger
	deps   Deps
	server *http.Server
}

// New creates a new Server instance.
func New(cfg *config.Config, logger *slog.Logger, deps Deps) *Server {
	return &Server{
		config: cfg,
		logger: logger,
		deps:   deps,
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := s.setupRoutes()
	return s.applyMiddleware(mux)
}

// Start starts the HTTP server and blocks until shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", s.config.Server.Host, s.config.Server.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.Server.ReadTimeout,
		WriteTimeout:      s.config.Server.WriteTimeout,
		IdleTimeout:       s.config.Server.IdleTimeout,
	}

	// Listen for errors from the server
	serverErrors := make(chan error, 1)

	go func() {
		s.logger.Info("starting http server",
			"addr", s.server.Addr,
			"env", s.config.App.Environment,
			"upstream", s.config.Gateway.UpstreamURL,
		)
		serverErrors <- s.server.ListenAndServe()
	}()

	// Listen for interrupt signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(shutdown)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case <-ctx.Done():
		s.logger.Info("context cancelled, stopping server")
		return s.gracefulStop()

	case sig := <-shutdown:
		s.logger.Info("received shutdown signal", "signal", sig.String())
		return s.gracefulStop()
	}
}

func (s *Server) gracefulStop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		// Force close if graceful shutdown fails
		if closeErr := s.server.Close(); closeErr != nil {
			return fmt.Errorf("failed to close server: %w", closeErr)
		}
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	s.logger.Info("server stopped gracefully")
	return nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()
	h := s.deps.RateLimit

	// Health check endpoint
	mux.HandleFunc("GET /x/health", s.healthCheckHandler)

	if s.config.Observability.MetricsEnabled && s.deps.MetricsHandler != nil {
		mux.Handle("GET "+s.config.Observability.MetricsPath, s.deps.MetricsHandler)
	}

	user := httpx.Chain(
		s.deps.Identity.Authenticate,
		identity.RequireRole(identity.RoleUser, "User access required"),
		h.Admission,
	)
	mux.Handle("GET /api/rate-limit/status", user(http.HandlerFunc(h.Status)))
	mux.Handle("/api/", user(s.deps.Upstream))

	admin := httpx.Chain(
		s.deps.Identity.Authenticate,
		identity.RequireRole(identity.RoleAdmin, "Admin access required"),
	)
	mux.Handle("GET /admin/rate-limits", admin(http.HandlerFunc(h.GetRateLimits)))
	mux.Handle("PUT /admin/rate-limits", admin(http.HandlerFunc(h.UpdateRateLimits)))
	mux.Handle("GET /admin/blacklist", admin(http.HandlerFunc(h.ListBlacklist)))
	mux.Handle("DELETE /admin/blacklist/{subjectId}", admin(http.HandlerFunc(h.RemoveBlacklist)))

	return mux
}

// applyMiddleware wraps the handler with middleware in the correct order.
func (s *Server) applyMiddleware(mux *http.ServeMux) http.Handler {
	middlewares := []httpx.Middleware{
		httpx.Recovery(s.logger), // Outermost: catch panics
		httpx.RequestID,          // Add request ID
		httpx.Logger(s.logger),   // Log requests
	}

	if s.deps.Metrics != nil {
		route := func(r *http.Request) string {
			_, pattern := mux.Handler(r)
			return pattern
		}
		skip := map[string]struct{}{s.config.Observability.MetricsPath: {}}
		middlewares = append(middlewares, s.deps.Metrics.Middleware(route, skip))
	}

	middlewares = append(middlewares,
		httpx.CORS(nil), // CORS headers (allow all in dev)
		httpx.BodyLimit(s.config.Server.MaxBodyBytes),
	)

	return httpx.Chain(middlewares...)(mux)
}

// healthCheckHandler handles health check requests.
func (s *Server) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"service":   s.config.Observability.ServiceName,
		"version":   s.config.Observability.ServiceVersion,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}

	s.logger.Info("shutting down server")

	if err := s.server.Shutdown(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("shutdown timeout exceeded, forcing close")
			return s.server.Close()
		}
		return err
	}

	return nil
}
