// Package api exposes the count cache, bulk computes, the refresh worker and
// live subscriptions over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/growthops/countsync/internal/bulk"
	"github.com/growthops/countsync/internal/domain"
	"github.com/growthops/countsync/internal/fanout"
	"github.com/growthops/countsync/internal/refresh"
)

// Worker controls the background refresh worker.
type Worker interface {
	Start(ctx context.Context) bool
	Stop()
	Status() refresh.Status
}

// BulkService runs on-demand computes and lookups.
type BulkService interface {
	Compute(ctx context.Context, categories, substores []string) (domain.CountMatrix, bulk.Report, error)
	Refresh(ctx context.Context, categories, substores []string) (domain.CountMatrix, bulk.Report, error)
	Lookup(ctx context.Context, category, substore string) (int, error)
}

// Deps are the collaborators behind the handlers. Worker, Hub and Metrics
// may be nil.
type Deps struct {
	Store   domain.CountStore
	Bulk    BulkService
	Worker  Worker
	Hub     *fanout.Hub
	Metrics http.Handler
}

// Options tune handler behaviour.
type Options struct {
	MaxAge    time.Duration // oldest record still considered healthy
	Heartbeat time.Duration // SSE keep-alive interval
}

// Server holds the HTTP handlers.
type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger

	// workerCtx outlives requests; workers started over HTTP run under it.
	workerCtx context.Context
}

// NewServer creates a Server. workerCtx bounds workers started through the API.
func NewServer(workerCtx context.Context, deps Deps, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, opts: opts, logger: logger, workerCtx: workerCtx}
}

// Routes returns the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics)
	}

	r.Route("/api/counts", func(r chi.Router) {
		r.Get("/", s.handleReadCounts)
		r.Post("/", s.handleReadCounts)
		r.Delete("/", s.handleReset)
		r.Get("/status", s.handleStatus)
		r.Post("/stale", s.handleMarkStale)
		r.Post("/compute", s.handleCompute)
		r.Get("/lookup", s.handleLookup)
		r.Get("/stream", s.handleStream)
	})

	r.Route("/api/worker", func(r chi.Router) {
		r.Get("/", s.handleWorkerStatus)
		r.Post("/start", s.handleWorkerStart)
		r.Post("/stop", s.handleWorkerStop)
	})
	return r
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
