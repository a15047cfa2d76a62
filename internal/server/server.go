// Package server wires the HTTP surface: the convert route, liveness, and
// the guarded metrics exposition, behind logging and metrics middleware. It
// also owns the server lifecycle: listen, serve, graceful shutdown.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"metamorph/internal/api"
	"metamorph/internal/observability/logging"
	"metamorph/internal/observability/metrics"
)

// Config controls the HTTP server runtime behaviour.
type Config struct {
	Addr          string
	Logger        *slog.Logger
	Metrics       *metrics.Recorder
	MetricsToken  string // bearer token guarding /metrics when non-empty
	LocalCacheDir string // serves cached artifacts under /cache/ in dev mode
}

// shutdownTimeout bounds graceful shutdown once the run context is
// cancelled.
const shutdownTimeout = 10 * time.Second

// Server hosts the conversion API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	ready      chan struct{}
	boundAddr  string
}

// New builds the server around the API handler.
func New(handler *api.Handler, cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/convert", handler.Convert)
	mux.HandleFunc("/health/live", handler.Live)
	if cfg.Metrics != nil {
		mux.Handle("/metrics", bearerGuard(cfg.MetricsToken, cfg.Metrics.Handler()))
	}
	if cfg.LocalCacheDir != "" {
		mux.Handle("/cache/", http.StripPrefix("/cache/", http.FileServer(http.Dir(cfg.LocalCacheDir))))
	}

	chain := http.Handler(mux)
	chain = metricsMiddleware(cfg.Metrics, chain)
	chain = loggingMiddleware(logger, chain)

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           chain,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Ready is closed once the listener is bound; Addr is valid after that.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr reports the bound listen address.
func (s *Server) Addr() string {
	return s.boundAddr
}

// Run serves until the context is cancelled or the listener fails, then
// drains in-flight requests under the shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	s.boundAddr = ln.Addr().String()
	close(s.ready)
	s.logger.Info("http server listening", "addr", s.boundAddr)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	<-serveErr
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		logging.WithContext(r.Context(), logger).Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", time.Since(start).Milliseconds())
	})
}

func metricsMiddleware(recorder *metrics.Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sr := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(sr, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, strconv.Itoa(sr.status), time.Since(start))
	})
}

func bearerGuard(token string, next http.Handler) http.Handler {
	if strings.TrimSpace(token) == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		supplied := strings.TrimSpace(header[7:])
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAddr normalizes a configured port or address to a listen address.
func ListenAddr(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ":8080"
	}
	if _, err := strconv.Atoi(trimmed); err == nil {
		return fmt.Sprintf(":%s", trimmed)
	}
	return trimmed
}
