// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/tokenchain/pkg/auth/token"
	"github.com/stacklok/tokenchain/pkg/logger"
)

const (
	middlewareTimeout = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Route is an HTTP route served by a hop handler.
type Route struct {
	Method  string
	Path    string
	Handler http.Handler
}

// RouterConfig lists what a hop's router serves.
type RouterConfig struct {
	Routes []Route
	// Health reports readiness; nil means always healthy.
	Health func(context.Context) error
	// Metrics serves Prometheus metrics when set.
	Metrics http.Handler
	// Metadata serves RFC 9728 protected resource metadata when set.
	Metadata http.Handler
}

func headersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			w.Header().Set("Content-Type", "application/json")
		}
		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the chi router of one hop.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Recoverer,
		middleware.Timeout(middlewareTimeout),
		headersMiddleware,
	)

	for _, route := range cfg.Routes {
		r.Method(route.Method, route.Path, route.Handler)
	}

	r.Mount("/health", HealthcheckRouter(cfg.Health))
	r.Mount("/version", VersionRouter())
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}
	if cfg.Metadata != nil {
		r.Handle(token.ResourceMetadataPath, cfg.Metadata)
		r.Handle(token.ResourceMetadataPath+"/*", cfg.Metadata)
	}
	return r
}

// Serve runs handler on address until ctx is cancelled, then drains
// in-flight requests for at most shutdownTimeout.
func Serve(ctx context.Context, address string, handler http.Handler, shutdownTimeout time.Duration) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	return ServeListener(ctx, listener, handler, shutdownTimeout)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, listener net.Listener, handler http.Handler, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	address := listener.Addr().String()
	logger.Infow("starting HTTP server", "address", address)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("server on %s stopped: %w", address, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logger.Infow("HTTP server stopped", "address", address)
	return nil
}
