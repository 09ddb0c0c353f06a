// Package api exposes the engagement engine over HTTP.
//
// The inbound classifier posts triggers to /api/engagement/events; operators
// read state, history and stats, and can force a scheduler sweep.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/EngagePipe/internal/clock"
	"github.com/BTreeMap/EngagePipe/internal/models"
	"github.com/BTreeMap/EngagePipe/internal/store"
)

// Default values for server configuration
const (
	DefaultAddr            = ":8080"
	DefaultHistoryLimit    = 50
	DefaultStatsWindow     = 30 * 24 * time.Hour
	DefaultShutdownTimeout = 10 * time.Second
)

// Sweeper runs one scheduler pass. *scheduler.Sweeper satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (models.SweepReport, error)
}

// Transitioner applies a trigger. *engagement.Engine satisfies it.
type Transitioner interface {
	TransitionState(ctx context.Context, userID string, trigger models.Trigger, extra map[string]any) (models.TransitionResult, error)
}

// Server is the EngagePipe HTTP API server.
type Server struct {
	store   store.Store
	engine  Transitioner
	sweeper Sweeper
	clock   clock.Clock
	version string
	started time.Time
	router  chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithSweeper enables POST /api/engagement/sweep.
func WithSweeper(sw Sweeper) Option {
	return func(s *Server) { s.sweeper = sw }
}

// WithVersion sets the version reported by /api/health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithClock sets the clock used for default stats windows.
func WithClock(c clock.Clock) Option {
	return func(s *Server) { s.clock = c }
}

// NewServer creates a Server over st and engine.
func NewServer(st store.Store, engine Transitioner, opts ...Option) *Server {
	s := &Server{
		store:   st,
		engine:  engine,
		clock:   clock.Real{},
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock.Now()
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Route("/engagement", func(r chi.Router) {
			r.Post("/events", s.handleEvent)
			r.Get("/stats", s.handleStats)
			r.Post("/sweep", s.handleSweep)
			r.Get("/{userID}", s.handleGetState)
			r.Get("/{userID}/history", s.handleHistory)
		})
	})

	s.router = r
}

// ListenAndServe serves on addr until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.ListenAndServe: listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.ListenAndServe: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// requestLogger logs one line per request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.Debug("Server.request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
