// Package server provides the batchgen HTTP API with lifecycle management.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/raphaelgruber/batchgen/internal/metrics"
	"github.com/raphaelgruber/batchgen/internal/service"
)

// Deps are the services behind the HTTP API.
type Deps struct {
	Batches    *service.BatchService
	Runs       *service.RunManager
	References *service.ReferenceService
	Prompts    *service.PromptService
	Events     *service.EventBus
	Objects    service.ObjectStore
	Buckets    service.Buckets
	Metrics    *metrics.Collector
}

// Server wraps the HTTP router with dependencies and lifecycle management.
type Server struct {
	deps    Deps
	logger  *slog.Logger
	router  chi.Router
	version string
}

// New creates a server with all routes registered.
func New(version string, deps Deps, logger *slog.Logger) *Server {
	s := &Server{
		deps:    deps,
		logger:  logger,
		version: version,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.CleanPath)

	r.Get("/health", s.health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/batches", func(r chi.Router) {
			r.Get("/", s.listBatches)
			r.Post("/", s.createBatch)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.getBatch)
				r.Delete("/", s.deleteBatch)
				r.Post("/generate", s.generateBatch)
				r.Post("/rerun", s.rerunBatch)
				r.Get("/events", s.batchEvents)
			})
		})

		r.Post("/upload", s.uploadReference)
		r.Post("/prompts/generate", s.generatePrompts)

		r.Get("/runs", s.listRuns)
		r.Get("/runs/{id}", s.getRun)

		r.Get("/objects/{bucket}/*", s.getObject)
		r.Get("/stats", s.stats)
	})

	return r
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", addr, "version", s.version)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Metrics == nil {
		writeJSON(w, http.StatusOK, metrics.Snapshot{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Metrics.Snapshot())
}
