// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server is the HTTP surface of the gateway: the login handshake,
// logout, a forward-auth endpoint for reverse proxies and a middleware for
// Go programs that embed the access check.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/stacklok/guildgate/pkg/access"
	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/storage"
)

const (
	middlewareTimeout = 60 * time.Second

	// DefaultReadHeaderTimeout bounds reading request headers.
	DefaultReadHeaderTimeout = 10 * time.Second

	// DefaultShutdownTimeout bounds draining in-flight requests.
	DefaultShutdownTimeout = 15 * time.Second
)

// Config configures the HTTP surface.
type Config struct {
	// CallbackPath is the path the provider redirects back to.
	CallbackPath string
	// PostLoginRedirect is where users land after logging in.
	PostLoginRedirect string
	// Cookie configures the session cookie.
	Cookie CookieConfig
	// MetricsHandler is mounted on /metrics when set.
	MetricsHandler http.Handler

	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server serves the gateway endpoints.
type Server struct {
	checker  *access.Checker
	store    storage.Store
	sessions *Sessions
	cfg      Config
}

// New creates a Server.
func New(checker *access.Checker, store storage.Store, cfg Config) *Server {
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = DefaultReadHeaderTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	return &Server{
		checker:  checker,
		store:    store,
		sessions: NewSessions(store, cfg.Cookie),
		cfg:      cfg,
	}
}

// Sessions returns the cookie-backed session binder the server uses.
func (s *Server) Sessions() *Sessions {
	return s.sessions
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		requestLogger,
		middleware.Timeout(middlewareTimeout),
	)

	r.Get("/healthz", s.healthz)
	r.Get("/login", errorHandler(s.login))
	r.Get(s.cfg.CallbackPath, errorHandler(s.callback))
	r.Get("/logout", errorHandler(s.logout))
	r.Get("/auth/check", errorHandler(s.check))
	if s.cfg.MetricsHandler != nil {
		r.Handle("/metrics", s.cfg.MetricsHandler)
	}

	return otelhttp.NewHandler(r, "guildgate",
		otelhttp.WithFilter(func(req *http.Request) bool {
			return req.URL.Path != "/healthz" && req.URL.Path != "/metrics"
		}),
	)
}

// Serve listens on address until ctx is cancelled, then drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context, address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return s.ServeListener(ctx, listener)
}

// ServeListener is Serve on an existing listener.
func (s *Server) ServeListener(ctx context.Context, listener net.Listener) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infow("starting HTTP server", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped with error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("HTTP server stopped")
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logger.Debugw("request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
