// Package api serves the admin HTTP interface: dispatch, restart, activity
// inspection, queue depths and the Prometheus metrics endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/scenepipe/internal/dispatch"
	"github.com/roach88/scenepipe/internal/metrics"
	"github.com/roach88/scenepipe/internal/queue"
	"github.com/roach88/scenepipe/internal/store"
)

const (
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = time.Minute
	defaultShutdownTimeout = 10 * time.Second
)

// Server is the admin HTTP server.
type Server struct {
	store      *store.Store
	dispatcher *dispatch.Dispatcher
	broker     queue.Broker
	metrics    *metrics.Metrics
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics exposes m on GET /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a Server.
func NewServer(st *store.Store, d *dispatch.Dispatcher, b queue.Broker, opts ...Option) *Server {
	s := &Server{store: st, dispatcher: d, broker: b, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")
	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", handleHealth)
	r.Post("/dispatch", s.handleDispatch)
	r.Post("/dispatch/spec", s.handleDispatchSpec)
	r.Post("/restart", s.handleRestart)
	r.Route("/activities", func(r chi.Router) {
		r.Get("/", s.handleListActivities)
		r.Get("/counts", s.handleCounts)
		r.Get("/{id}", s.handleGetActivity)
	})
	r.Get("/queues", s.handleQueues)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// Run listens on addr and blocks until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting admin server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("shutting down admin server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
