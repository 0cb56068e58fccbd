package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/net/netutil"
	"golang.org/x/time/rate"

	"github.com/knoguchi/pagerag/internal/auth"
	"github.com/knoguchi/pagerag/internal/document"
	"github.com/knoguchi/pagerag/internal/service"
)

// HTTPServer serves the question answering API.
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger
	cfg    HTTPServerConfig
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins
	MaxConnections int      // 0 = unlimited
	AskRateLimit   float64  // requests per second on the ask endpoints, 0 = unlimited
	AskRateBurst   int
	QueryTimeout   time.Duration
	MaxUploadBytes int64
	Auth           *auth.APIKeyInterceptor
	PageLinks      *auth.PageLinkSigner // nil serves plain page paths
}

// Handlers are the services behind the API.
type Handlers struct {
	Pipeline *service.Pipeline
	Indexer  *service.Indexer
	Registry *document.Registry
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig, h Handlers) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 5 * time.Minute
	}
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = 100 << 20
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))
	if cfg.Auth.Enabled() {
		router.Use(cfg.Auth.Middleware)
	}

	api := &api{
		pipeline:  h.Pipeline,
		indexer:   h.Indexer,
		registry:  h.Registry,
		pageLinks: cfg.PageLinks,
		logger:    logger,
		timeout:   cfg.QueryTimeout,
		maxUpload: cfg.MaxUploadBytes,
	}

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", readinessCheckHandler(h.Registry))

	router.Route("/v1", func(r chi.Router) {
		r.Post("/documents", api.uploadDocuments)
		r.Get("/documents", api.listDocuments)
		r.Get("/documents/{doc}/pages/{page}.png", api.pageImage)

		r.Group(func(r chi.Router) {
			if cfg.AskRateLimit > 0 {
				r.Use(rateLimitMiddleware(rate.NewLimiter(rate.Limit(cfg.AskRateLimit), max(cfg.AskRateBurst, 1))))
			}
			r.Post("/ask", api.ask)
			r.Post("/ask/stream", api.askStream)
		})

		r.Get("/sessions/{id}/history", api.sessionHistory)
		r.Delete("/sessions/{id}/history", api.clearSessionHistory)
		r.Get("/index/report", api.indexReport)
		r.Get("/index/runs", api.listRuns)
		r.Get("/index/runs/{id}", api.getRun)
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 30 * time.Second,
		// Uploads and generation can run for minutes.
		WriteTimeout: cfg.QueryTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &HTTPServer{
		server: server,
		router: router,
		logger: logger,
		cfg:    cfg,
	}
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener, capped at MaxConnections.
func (s *HTTPServer) Serve(listener net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		listener = netutil.LimitListener(listener, s.cfg.MaxConnections)
	}
	s.logger.Info("starting HTTP server", "address", listener.Addr().String(), "max_connections", s.cfg.MaxConnections)

	if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Handler returns the root handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// rateLimitMiddleware rejects requests beyond the limiter's rate with 429.
func rateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "too many questions, slow down")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				// If no origins specified, allow all in development
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
		})
	}
}

// readinessCheckHandler reports ready once a snapshot has been published.
func readinessCheckHandler(registry *document.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := registry.Current()
		if snap == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "no documents indexed",
			})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "ready",
			"index":  snap.IndexName,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
