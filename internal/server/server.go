package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BadgerOps/mirrorfed/internal/config"
	"github.com/BadgerOps/mirrorfed/internal/metrics"
	"github.com/BadgerOps/mirrorfed/internal/repository"
	"github.com/BadgerOps/mirrorfed/internal/store"
)

// Server exposes the federated repositories over HTTP.
type Server struct {
	source     repository.Repository
	registry   *repository.Registry
	store      *store.Store
	metrics    *metrics.Collector
	config     *config.Config
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new Server instance. source answers artifact
// requests; registry lists the repositories behind it. store and metrics are
// optional.
func NewServer(
	source repository.Repository,
	reg *repository.Registry,
	st *store.Store,
	mc *metrics.Collector,
	cfg *config.Config,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		source:   source,
		registry: reg,
		store:    st,
		metrics:  mc,
		config:   cfg,
		logger:   logger,
	}
}

// Start starts the HTTP server on the given listen address.
func (s *Server) Start(listenAddr string) error {
	s.httpServer = &http.Server{
		Addr:        listenAddr,
		Handler:     s.Handler(),
		ReadTimeout: 15 * time.Second,
		// Artifact responses are bounded by the transfer timeout instead.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", listenAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed handler, instrumented when metrics are set.
func (s *Server) Handler() http.Handler {
	mux := s.setupRoutes()
	if s.metrics == nil {
		return mux
	}
	return s.instrument(mux)
}

// setupRoutes registers all HTTP routes on a new ServeMux.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Artifact routes
	mux.HandleFunc("GET /artifacts/{namespace}/{id}/{version}", s.handleGetArtifact)
	mux.HandleFunc("GET /api/artifacts", s.handleAPIArtifacts)

	// Repository and mirror routes
	mux.HandleFunc("GET /api/repositories", s.handleAPIRepositories)
	mux.HandleFunc("GET /api/repositories/mirrors", s.handleAPIMirrors)
	mux.HandleFunc("GET /mirrors.xml", s.handleMirrorList)

	// History routes
	mux.HandleFunc("GET /api/history", s.handleAPIHistory)
	mux.HandleFunc("GET /api/failures", s.handleAPIFailures)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument records request counts and durations by route pattern.
func (s *Server) instrument(next *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)

		_, pattern := next.Handler(r)
		if pattern == "" {
			pattern = "unmatched"
		}
		s.metrics.RecordHTTPRequest(r.Method, pattern, rec.code, time.Since(start))
	})
}
