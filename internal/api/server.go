// Package api provides the HTTP API server for recapd.
package api

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/recapd/recapd/internal/config"
	"github.com/recapd/recapd/internal/daycache"
	"github.com/recapd/recapd/internal/engine"
	"github.com/recapd/recapd/internal/model"
	"github.com/recapd/recapd/internal/source"
)

// Recapper generates conversation recaps. Implemented by
// summarize.Summarizer; narrowed here so tests can stub it.
type Recapper interface {
	Recap(ctx context.Context, title string, msgs []model.Message) (string, error)
	RecapStream(ctx context.Context, title string, msgs []model.Message, emit func(delta string) error) error
}

// Server represents the HTTP API server.
type Server struct {
	cfg         *config.Config
	registry    *source.Registry
	cache       daycache.Store
	opts        engine.Options
	recapper    Recapper
	logger      *slog.Logger
	router      chi.Router
	server      *http.Server
	rateLimiter *ipRateLimiter
}

// NewServer creates a new API server. recapper may be nil, in which case
// recap endpoints return an error.
func NewServer(cfg *config.Config, registry *source.Registry, cache daycache.Store, opts engine.Options, recapper Recapper, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		cache:    cache,
		opts:     opts,
		recapper: recapper,
		logger:   logger,
	}
	s.router = s.setupRouter()
	return s
}

// setupRouter configures the chi router with all routes and middleware.
func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(s.loggerMiddleware)
	r.Use(chimw.Recoverer)

	// Sync and recap calls can legitimately run for minutes against slow
	// backends; the timeout is generous rather than per-route.
	r.Use(chimw.Timeout(10 * time.Minute))

	if len(s.cfg.Server.CORSOrigins) > 0 {
		r.Use(corsMiddleware(s.cfg.Server.CORSOrigins))
	}

	s.rateLimiter = newIPRateLimiter(10, 20)
	r.Use(rateLimitMiddleware(s.rateLimiter))

	// Health check (no auth required)
	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/sources", s.handleListSources)
		r.Get("/sources/{source}/conversations", s.handleListConversations)

		r.Post("/sync", s.handleSync)
		r.Post("/recap", s.handleRecap)
		r.Post("/export", s.handleExport)
	})

	return r
}

// Start begins listening for HTTP requests.
func (s *Server) Start() error {
	bindAddr := s.cfg.Server.BindAddr
	if bindAddr == "" {
		bindAddr = "127.0.0.1"
	}
	addr := net.JoinHostPort(bindAddr, strconv.Itoa(s.cfg.Server.APIPort))

	if s.cfg.Server.APIKey == "" {
		s.logger.Warn("API server running without authentication, set [server] api_key in config.toml")
	}

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	s.logger.Info("starting API server", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// Router returns the chi router for testing.
func (s *Server) Router() chi.Router {
	return s.router
}

// loggerMiddleware logs HTTP requests.
func (s *Server) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", chimw.GetReqID(r.Context()),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

// authMiddleware validates the API key.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth if no API key configured
		if s.cfg.Server.APIKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			authHeader = r.Header.Get("X-API-Key")
		}
		if len(authHeader) > 7 && authHeader[:7] == "Bearer " {
			authHeader = authHeader[7:]
		}

		if subtle.ConstantTimeCompare([]byte(authHeader), []byte(s.cfg.Server.APIKey)) != 1 {
			s.logger.Warn("unauthorized API request",
				"path", r.URL.Path,
				"remote_addr", r.RemoteAddr,
			)
			writeError(w, http.StatusUnauthorized, "unauthorized", "Invalid or missing API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
