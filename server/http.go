// Package server provides the HTTP server for the binary cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wolfeidau/binary-cache/auth"
	"github.com/wolfeidau/binary-cache/config"
	"github.com/wolfeidau/binary-cache/protocol/nix"
	"github.com/wolfeidau/binary-cache/store"
	"github.com/wolfeidau/binary-cache/store/gc"
	"github.com/wolfeidau/binary-cache/store/metadb"
	"github.com/wolfeidau/binary-cache/telemetry"
)

// Server is the HTTP server for the binary cache.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	logger     *slog.Logger

	// Components
	index      metadb.Index
	stores     *store.Registry
	service    *nix.Service
	keyring    *auth.Keyring
	gc         *gc.Manager
	closeRedis func() error
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger for the server.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// New opens the index and the storage backends and assembles the HTTP
// server. Close releases them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		config: cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	secret, err := cfg.TokenSecret()
	if err != nil {
		return nil, err
	}
	keyring, err := auth.NewKeyring(secret)
	if err != nil {
		return nil, err
	}
	s.keyring = keyring

	stores, err := OpenStores(cfg, s.logger)
	if err != nil {
		return nil, fmt.Errorf("creating storage backends: %w", err)
	}
	s.stores = stores

	index, err := OpenIndex(ctx, cfg.Database, s.logger, metadb.WithSoftDeleteCaches(cfg.SoftDeleteCaches))
	if err != nil {
		return nil, err
	}
	s.index = index

	service, err := nix.New(index, stores, nix.Config{
		Chunking:                 cfg.ChunkingParams(),
		Compression:              cfg.CompressionType(),
		CompressionLevel:         cfg.Compression.Level,
		RequireProofOfPossession: cfg.RequireProofOfPossession,
		APIEndpoint:              cfg.APIEndpoint,
		SubstituterEndpoint:      cfg.SubstituterEndpoint,
	}, nix.WithLogger(s.logger.With("component", "nix")))
	if err != nil {
		_ = index.Close()
		return nil, fmt.Errorf("creating nix service: %w", err)
	}
	s.service = service

	s.gc, s.closeRedis = NewCollector(cfg, index, stores, s.logger)

	s.httpServer = &http.Server{
		Addr:         cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Minute, // Long timeout for streaming pushes
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the full middleware chain and routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.hostMiddleware(s.authMiddleware(mux)))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /_api/v1/gc/status", s.handleGCStatus)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", internal(telemetry.PrometheusHandler()))

	// Substituter protocol, push API and cache management
	mux.Handle("/", nix.NewHandler(s.service, nix.WithHandlerLogger(s.logger.With("component", "http"))))
}

func internal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetSurface(r, telemetry.SurfaceInternal)
		next.ServeHTTP(w, r)
	})
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetSurface(r, telemetry.SurfaceInternal)
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleGCStatus reports the last collection run.
func (s *Server) handleGCStatus(w http.ResponseWriter, r *http.Request) {
	telemetry.SetSurface(r, telemetry.SurfaceInternal)
	w.Header().Set("Content-Type", "application/json")

	last := s.gc.Status()
	if last == nil {
		_, _ = w.Write([]byte(`{"error":"no gc run yet"}`))
		return
	}
	json.NewEncoder(w).Encode(last) //nolint:errcheck
}

// hostMiddleware rejects requests whose Host header is not in allowed-hosts.
// Health checks are exempt so load balancers can probe by address.
func (s *Server) hostMiddleware(next http.Handler) http.Handler {
	if len(s.config.AllowedHosts) == 0 {
		return next
	}
	allowed := make(map[string]struct{}, len(s.config.AllowedHosts))
	for _, h := range s.config.AllowedHosts {
		allowed[strings.ToLower(h)] = struct{}{}
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := allowed[strings.ToLower(r.Host)]; !ok && r.URL.Path != "/health" {
			s.logger.Debug("rejected request for unknown host", "host", r.Host, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"host not allowed"}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set surface, cache, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		// Add handler-set tags
		if tags.Surface != "" {
			attrs = append(attrs, "surface", tags.Surface)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.Cache != "" {
			attrs = append(attrs, "cache", tags.Cache)
		}
		if tags.Subject != "" {
			attrs = append(attrs, "subject", tags.Subject)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the collector and serves until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	if err := s.gc.Start(ctx); err != nil {
		return fmt.Errorf("starting gc manager: %w", err)
	}

	s.logger.Info("starting server", "address", s.config.Listen)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server and the collector, then closes
// the components.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	err := s.httpServer.Shutdown(ctx)
	if gcErr := s.gc.Stop(ctx); gcErr != nil {
		s.logger.Warn("gc manager did not stop cleanly", "error", gcErr)
	}
	return errors.Join(err, s.Close())
}

// Close releases the index, codecs and the Redis client.
func (s *Server) Close() error {
	s.service.Close()
	return errors.Join(s.index.Close(), s.closeRedis())
}

// GC returns the collector, for one-off runs.
func (s *Server) GC() *gc.Manager {
	return s.gc
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Listen
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
