// Package api serves the HTTP query surface: observation ingestion, the
// streaming search endpoint, and operational endpoints.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/mkelley/sbsearch/internal/auth"
	"github.com/mkelley/sbsearch/internal/ephem"
	"github.com/mkelley/sbsearch/internal/footprint"
	"github.com/mkelley/sbsearch/internal/health"
	"github.com/mkelley/sbsearch/internal/httputil"
	"github.com/mkelley/sbsearch/internal/metrics"
	"github.com/mkelley/sbsearch/internal/search"
)

// Server holds the HTTP server and its dependencies.
type Server struct {
	httpServer *http.Server
	index      *footprint.Index
	store      *ephem.Store
	matcher    *search.Matcher
	logger     *slog.Logger
	trustProxy bool
}

// NewServer creates a configured HTTP server over the shared index, store,
// and matcher.
func NewServer(addr string, index *footprint.Index, store *ephem.Store, matcher *search.Matcher, authCfg auth.Config, trustProxy bool, logger *slog.Logger) *Server {
	s := &Server{
		index:      index,
		store:      store,
		matcher:    matcher,
		logger:     logger,
		trustProxy: trustProxy,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", health.Healthz)
	mux.HandleFunc("GET /readyz", health.Readyz)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("POST /api/v1/search", s.handleSearch)
	mux.HandleFunc("POST /api/v1/observations", s.handleIngest)
	mux.HandleFunc("GET /api/v1/observations/{id}", s.handleGetObservation)
	mux.HandleFunc("GET /api/v1/ephemeris", s.handleEphemeris)
	mux.HandleFunc("DELETE /api/v1/ephemeris", s.handleEvict)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)

	// Build middleware chain: metrics -> logging -> auth -> mux.
	var handler http.Handler = mux
	handler = auth.Middleware(authCfg)(handler)
	handler = s.loggingMiddleware(handler)
	handler = metrics.Middleware(handler)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// Searches stream results while provider fetches proceed; no
		// write deadline.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// HTTPServer returns the underlying *http.Server for external control
// (e.g. shutdown).
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Handler returns the full middleware-wrapped handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// probePath returns true for health/readiness probe paths that should not
// log at INFO.
func probePath(path string) bool {
	return path == "/healthz" || path == "/readyz"
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.statusCode = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(sr, r)

		duration := time.Since(start)
		level := slog.LevelInfo
		if probePath(r.URL.Path) {
			level = slog.LevelDebug
		}

		s.logger.Log(r.Context(), level, "request",
			"component", "api",
			"method", r.Method,
			"path", r.URL.Path,
			"status", strconv.Itoa(sr.statusCode),
			"duration_ms", duration.Milliseconds(),
			"remote_ip", httputil.ClientIP(r, s.trustProxy),
		)
	})
}
