// Package gateway is the HTTP surface: the generation stream endpoint, agent
// state endpoints and the WebSocket router.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"forgeline/internal/domain"
	"forgeline/internal/infra/middleware"
)

const (
	readHeaderTimeout      = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
)

// ServerDeps holds what the gateway serves. Auth, Stats, Events and
// Middleware may be nil.
type ServerDeps struct {
	Agents  AgentService
	Sockets http.Handler // usually a *ConnectionRouter
	Auth    Authenticator
	Stats   PlatformStats
	Events  EventCounter
	// Middleware wraps every route, outermost first.
	Middleware []func(http.Handler) http.Handler
	Version    string
}

// Server is the HTTP gateway.
type Server struct {
	deps            ServerDeps
	logger          *slog.Logger
	addr            string
	shutdownTimeout time.Duration
	startTime       time.Time

	mu        sync.Mutex
	httpSrv   *http.Server
	boundAddr string
}

// NewServer creates a gateway server.
func NewServer(deps ServerDeps, addr string, shutdownTimeout time.Duration, logger *slog.Logger) *Server {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &Server{
		deps:            deps,
		logger:          logger.With("component", "gateway"),
		addr:            addr,
		shutdownTimeout: shutdownTimeout,
		startTime:       time.Now(),
	}
}

// Handler builds the gateway's routed handler.
func (s *Server) Handler() http.Handler {
	authed := withUser(s.deps.Auth)
	mux := http.NewServeMux()

	mux.Handle("POST /api/agents", authed(startAgentHandler(s.deps.Agents, s.logger)))
	mux.Handle("GET /api/agents/{agentId}", authed(getAgentHandler(s.deps.Agents)))
	mux.Handle("POST /api/agents/{agentId}/clone", authed(cloneAgentHandler(s.deps.Agents)))
	mux.Handle("POST /api/agents/{agentId}/preview", authed(previewHandler(s.deps.Agents)))
	if s.deps.Sockets != nil {
		mux.Handle("GET /api/agents/{agentId}/ws", authed(s.deps.Sockets))
	}

	mux.Handle("GET /api/status", authed(requireUser(s.deps.Auth, statusHandler(s.deps.Stats, s.deps.Events, s.deps.Version, s.startTime))))
	mux.Handle("GET /metrics", metricsHandler(s.deps.Stats, s.deps.Events, s.startTime))
	mux.HandleFunc("GET /healthz", healthHandler)
	return middleware.Chain(mux, s.deps.Middleware...)
}

// Start begins serving. Blocks until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	// No write timeout: generation streams stay open for minutes.
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	s.mu.Lock()
	s.httpSrv = srv
	s.boundAddr = listener.Addr().String()
	s.mu.Unlock()

	s.logger.Info("gateway started", "addr", listener.Addr().String())

	go func() {
		<-ctx.Done()
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Warn("gateway shutdown incomplete", "error", err)
		}
	}()

	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the gateway server. Hijacked WebSocket
// connections are not tracked here; their actors close them.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpSrv
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// BoundAddr returns the actual address the server bound to. Only valid after Start.
func (s *Server) BoundAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundAddr
}

// requireUser rejects anonymous callers when authentication is configured.
func requireUser(auth Authenticator, next http.Handler) http.Handler {
	if auth == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !domain.UserFromContext(r.Context()).Authenticated() {
			writeError(w, domain.NewDomainError("gateway.requireUser", domain.ErrAuthInvalid, "missing bearer token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
