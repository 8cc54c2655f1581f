// SPDX-FileCopyrightText: Copyright 2025 mcpden contributors
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the daemon's serving surface: the chi HTTP
// router with the JSON-RPC endpoints, the SSE stream, the admin cache
// endpoints and the health/metrics documents, plus the stdio transport
// for deployments that speak MCP over stdin/stdout.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mcpden/mcpden/pkg/auth"
	"github.com/mcpden/mcpden/pkg/config"
	"github.com/mcpden/mcpden/pkg/configcache"
	"github.com/mcpden/mcpden/pkg/dispatch"
	"github.com/mcpden/mcpden/pkg/fanout"
	"github.com/mcpden/mcpden/pkg/logger"
	"github.com/mcpden/mcpden/pkg/mcp"
	"github.com/mcpden/mcpden/pkg/ratelimit"
	"github.com/mcpden/mcpden/pkg/store"
)

const (
	// readHeaderTimeout prevents Slowloris attacks.
	readHeaderTimeout = 10 * time.Second

	// sseDrainDelay is how long shutdown waits after disconnecting the
	// SSE clients before closing the listener, so writers can flush.
	sseDrainDelay = 100 * time.Millisecond

	// httpShutdownTimeout bounds the graceful close of in-flight requests.
	httpShutdownTimeout = 10 * time.Second

	// limiterSweepInterval is how often stale rate-limit entries are
	// dropped.
	limiterSweepInterval = 5 * time.Minute
)

// Deps carries the subsystems the serving surface is assembled from.
// Every field except Meta is required.
type Deps struct {
	Config    *config.Config
	Verifier  auth.Verifier
	Issuer    *auth.Issuer
	Cache     *configcache.Cache
	Engine    *dispatch.Engine
	Processor *mcp.Processor
	Fanout    *fanout.Manager

	// Meta serves the GraphQL passthrough endpoint. It may be nil when no
	// metadata store is configured; the passthrough then reports 502.
	Meta *store.Client
}

// Server owns the HTTP transport and the ordered teardown of the
// subsystems behind it.
type Server struct {
	cfg       *config.Config
	verifier  auth.Verifier
	issuer    *auth.Issuer
	meta      *store.Client
	cache     *configcache.Cache
	engine    *dispatch.Engine
	processor *mcp.Processor
	fanout    *fanout.Manager
	posts     *ratelimit.Limiter
	streams   *ratelimit.Limiter
	log       *slog.Logger

	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger overrides the server's logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Server) {
		s.log = log
	}
}

// WithPostLimiter replaces the JSON-RPC POST rate limiter.
func WithPostLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) {
		s.posts = l
	}
}

// WithStreamLimiter replaces the SSE stream rate limiter.
func WithStreamLimiter(l *ratelimit.Limiter) Option {
	return func(s *Server) {
		s.streams = l
	}
}

// New assembles a server from its subsystems.
func New(deps Deps, opts ...Option) (*Server, error) {
	switch {
	case deps.Config == nil:
		return nil, fmt.Errorf("server requires a configuration")
	case deps.Verifier == nil:
		return nil, fmt.Errorf("server requires a token verifier")
	case deps.Issuer == nil:
		return nil, fmt.Errorf("server requires a token issuer")
	case deps.Cache == nil:
		return nil, fmt.Errorf("server requires the configuration cache")
	case deps.Engine == nil:
		return nil, fmt.Errorf("server requires the dispatch engine")
	case deps.Processor == nil:
		return nil, fmt.Errorf("server requires the request processor")
	case deps.Fanout == nil:
		return nil, fmt.Errorf("server requires the fanout manager")
	}

	s := &Server{
		cfg:       deps.Config,
		verifier:  deps.Verifier,
		issuer:    deps.Issuer,
		meta:      deps.Meta,
		cache:     deps.Cache,
		engine:    deps.Engine,
		processor: deps.Processor,
		fanout:    deps.Fanout,
		posts:     ratelimit.New(ratelimit.DefaultPostLimit, ratelimit.DefaultWindow),
		streams:   ratelimit.New(ratelimit.DefaultStreamLimit, ratelimit.DefaultWindow),
		log:       logger.Get(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Router assembles the HTTP surface. Health and metrics are public;
// everything else outside /auth requires bearer authentication. POSTs
// share one per-IP budget, the stream endpoint has its own.
func (s *Server) Router() http.Handler {
	endpoints := &endpointRoutes{
		processor: s.processor,
		engine:    s.engine,
		cache:     s.cache,
		meta:      s.meta,
		fanout:    s.fanout,
		log:       s.log,
	}
	system := &systemRoutes{
		fanout:  s.fanout,
		cache:   s.cache,
		posts:   s.posts,
		streams: s.streams,
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
	)
	r.Use(ratelimit.MethodMiddleware(http.MethodPost, s.posts))
	r.Use(auth.Middleware(s.verifier, "/health", "/metrics"))

	r.Post("/auth/token", s.issuer.TokenHandler)
	r.Get("/me", auth.MeHandler)
	r.Get("/health", system.health)
	r.Get("/metrics", system.metrics)
	r.Delete("/admin/cache", endpoints.cachePurgeAll)

	r.Route("/{endpoint}", func(r chi.Router) {
		r.With(ratelimit.Middleware(s.streams)).Get("/sse", endpoints.stream)
		r.Post("/sse", endpoints.rpcWithActivity)
		r.Post("/mcp", endpoints.rpc)
		r.Post("/mcp_core_graphql", endpoints.coreGraphQL)
		r.Get("/", endpoints.info)

		r.Get("/admin/cache/status", endpoints.cacheStatus)
		r.Post("/admin/cache/refresh", endpoints.cacheRefresh)
		r.Delete("/admin/cache", endpoints.cacheClear)
	})

	return r
}

// ListenAndServe runs the HTTP transport until ctx is cancelled or the
// listener fails, then performs the ordered teardown.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
	s.httpServer = &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go s.sweepLimiters(ctx)

	s.log.Info("HTTP server listening", "addr", addr)

	select {
	case err := <-errCh:
		s.engine.Shutdown(dispatch.DefaultShutdownTimeout)
		return err
	case <-ctx.Done():
	}
	return s.Shutdown()
}

// sweepLimiters drops aged-out rate-limit entries until the server stops.
func (s *Server) sweepLimiters(ctx context.Context) {
	ticker := time.NewTicker(limiterSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.posts.Cleanup()
			s.streams.Cleanup()
		}
	}
}

// Shutdown tears the server down in order: disconnect the SSE clients
// and let the writers drain, close the HTTP server, then join the
// background tool tasks.
func (s *Server) Shutdown() error {
	s.log.Info("Shutting down server")

	s.fanout.CleanupAll()
	time.Sleep(sseDrainDelay)

	var err error
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		err = s.httpServer.Shutdown(ctx)
	}

	s.engine.Shutdown(dispatch.DefaultShutdownTimeout)

	s.log.Info("Server stopped")
	return err
}
