// Package server wires the HTTP router: health probes, version, metrics,
// and the job API.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/jobvault/internal/errors"
	"github.com/3leaps/jobvault/internal/observability"
	"github.com/3leaps/jobvault/internal/server/handlers"
	"github.com/3leaps/jobvault/internal/server/middleware"
)

// AdminTokenEnv enables the admin endpoints when set.
const AdminTokenEnv = "JOBVAULT_ADMIN_TOKEN"

// Option configures a Server.
type Option func(*Server)

// WithJobs mounts the job API under /v1.
func WithJobs(jobs *handlers.Jobs) Option {
	return func(s *Server) { s.jobs = jobs }
}

// WithMetrics serves /metrics from the process registry.
func WithMetrics() Option {
	return func(s *Server) { s.metrics = true }
}

// WithPprof mounts net/http/pprof under /debug/pprof.
func WithPprof() Option {
	return func(s *Server) { s.pprof = true }
}

// WithTimeouts sets the http.Server timeouts.
func WithTimeouts(read, write, idle time.Duration) Option {
	return func(s *Server) {
		s.readTimeout, s.writeTimeout, s.idleTimeout = read, write, idle
	}
}

// WithAdminAction registers the action run by POST /admin/signal.
func WithAdminAction(fn func(signal string) error) Option {
	return func(s *Server) { s.adminAction = fn }
}

// Server is the jobvault HTTP server.
type Server struct {
	host string
	port int

	jobs        *handlers.Jobs
	metrics     bool
	pprof       bool
	adminAction func(signal string) error

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration

	router chi.Router
	http   *http.Server
}

// New builds a server listening on host:port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:         host,
		port:         port,
		readTimeout:  30 * time.Second,
		writeTimeout: 30 * time.Second,
		idleTimeout:  120 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	s.http = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadTimeout:       s.readTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.writeTimeout,
		IdleTimeout:       s.idleTimeout,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.AccessLog)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.NewNotFound("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.RespondWithError(w, req, apperrors.New(apperrors.CodeMethodNotAllowed, http.StatusMethodNotAllowed, "method not allowed"))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler)

	if s.metrics {
		r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())
	}
	if s.pprof {
		r.HandleFunc("/debug/pprof/*", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	if s.jobs != nil {
		r.Route("/v1", s.jobs.Routes)
	}
	s.registerAdminEndpoint(r)
	return r
}

// registerAdminEndpoint mounts POST /admin/signal when an admin token is
// configured. Requests must carry it as a bearer token.
func (s *Server) registerAdminEndpoint(r chi.Router) {
	token := os.Getenv(AdminTokenEnv)
	if token == "" || s.adminAction == nil {
		return
	}
	r.Post("/admin/signal", func(w http.ResponseWriter, req *http.Request) {
		got := req.Header.Get("Authorization")
		if subtle.ConstantTimeCompare([]byte(got), []byte("Bearer "+token)) != 1 {
			apperrors.RespondWithError(w, req, apperrors.New("UNAUTHORIZED", http.StatusUnauthorized, "invalid admin token"))
			return
		}
		signal := req.URL.Query().Get("signal")
		if err := s.adminAction(signal); err != nil {
			apperrors.RespondWithError(w, req, apperrors.NewBadRequest(err.Error()))
			return
		}
		apperrors.WriteJSON(w, http.StatusAccepted, map[string]string{"signal": signal, "status": "accepted"})
	})
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Port returns the configured port.
func (s *Server) Port() int { return s.port }

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	observability.CLILogger.Info("HTTP server listening", zap.String("addr", s.Addr()))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
