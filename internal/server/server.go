// Package server hosts the HTTP surface: the GitHub webhook endpoint,
// /healthz and, when enabled, Prometheus /metrics.
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
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	HealthPath  = "/healthz"
	MetricsPath = "/metrics"
)

// Config wires handlers into the router.
type Config struct {
	// Listen is the bind address (e.g. ":8080").
	Listen string

	// WebhookPath receives POSTed webhook deliveries.
	WebhookPath string

	Webhook http.Handler
	Health  http.Handler

	// Metrics is mounted at /metrics.  Nil leaves the route unregistered.
	Metrics http.Handler

	Logger *slog.Logger
}

// Server is the runnervm HTTP server.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// New builds the router and the underlying http.Server.
func New(cfg Config) (*Server, error) {
	if cfg.WebhookPath == "" || cfg.WebhookPath[0] != '/' {
		return nil, fmt.Errorf("server: webhook path must start with /, got %q", cfg.WebhookPath)
	}
	if cfg.Webhook == nil || cfg.Health == nil {
		return nil, fmt.Errorf("server: webhook and health handlers are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, HealthPath, cfg.Health)
	r.Method(http.MethodHead, HealthPath, cfg.Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, MetricsPath, cfg.Metrics)
	}
	r.Method(http.MethodPost, cfg.WebhookPath, cfg.Webhook)

	handler := otelhttp.NewHandler(r, "runnervm",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)

	return &Server{
		srv: &http.Server{
			Addr:              cfg.Listen,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: cfg.Logger,
	}, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// ListenAndServe blocks until the server stops.  A clean Shutdown
// returns nil.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", slog.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.srv.Shutdown(ctx)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request served",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("requestID", middleware.GetReqID(r.Context())),
			)
		})
	}
}
