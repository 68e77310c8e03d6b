// Package server exposes the pipeline over HTTP: job submission and status,
// template and knowledge administration, result review, provider listing
// and a websocket stream of a running job.
//
// Authentication happens upstream. The caller's identity arrives in the
// X-User-ID, X-User-Roles and X-Organization-ID headers.
package server

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/teranos/docpipe/ai/provider"
	"github.com/teranos/docpipe/ai/tracker"
	"github.com/teranos/docpipe/errors"
	"github.com/teranos/docpipe/knowledge"
	"github.com/teranos/docpipe/pipeline"
	"github.com/teranos/docpipe/pulse/async"
	"github.com/teranos/docpipe/pulse/budget"
	"github.com/teranos/docpipe/result"
	"github.com/teranos/docpipe/template"
)

// ShutdownTimeout bounds graceful HTTP shutdown.
const ShutdownTimeout = 10 * time.Second

// Identity headers set by the authenticating proxy
const (
	HeaderUserID         = "X-User-ID"
	HeaderUserRoles      = "X-User-Roles"
	HeaderOrganizationID = "X-Organization-ID"
	HeaderRequestID      = "X-Request-ID"
)

// Deps are the services behind the API. Pool, Budget, RateLimiter and Usage
// are optional; their endpoints answer 404 or omit the section when unset.
type Deps struct {
	Orchestrator *pipeline.Orchestrator
	Queue        *async.Queue
	Templates    *template.Store
	Knowledge    *knowledge.Store
	Results      *result.Store
	Registry     *provider.Registry
	Pool         *async.WorkerPool
	Budget       *budget.Tracker
	RateLimiter  *budget.Limiter
	Usage        *tracker.UsageTracker
}

// Config configures the HTTP listener.
type Config struct {
	Addr           string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string // prefix-matched; empty allows localhost only
	StuckThreshold time.Duration
}

// Server is the docpipe HTTP API.
type Server struct {
	Deps
	cfg      Config
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader
	handler  http.Handler
}

// New creates the server and its routes.
func New(deps Deps, cfg Config, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Addr == "" {
		cfg.Addr = ":8740"
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 30 * time.Minute
	}
	s := &Server{Deps: deps, cfg: cfg, logger: log.Named("server")}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.handler = s.routes()
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves until ctx ends, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.cfg.Addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx ends.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Infow("HTTP server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	s.logger.Infow("Initiating server shutdown")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown failed")
	}
	s.logger.Infow("Server shutdown complete")
	return nil
}

// checkOrigin allows requests without an Origin header and origins that
// start with a configured prefix.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if len(s.cfg.AllowedOrigins) == 0 {
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "https://localhost")
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// identity is the authenticated caller of a request.
type identity struct {
	UserID         string
	Roles          []string
	OrganizationID string
}

func identityOf(r *http.Request) identity {
	id := identity{
		UserID:         strings.TrimSpace(r.Header.Get(HeaderUserID)),
		OrganizationID: strings.TrimSpace(r.Header.Get(HeaderOrganizationID)),
	}
	for _, role := range strings.Split(r.Header.Get(HeaderUserRoles), ",") {
		if role = strings.TrimSpace(role); role != "" {
			id.Roles = append(id.Roles, role)
		}
	}
	return id
}
