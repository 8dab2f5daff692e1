// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/stacklok/tokenchain/pkg/agents"
	"github.com/stacklok/tokenchain/pkg/auth/jwks"
	"github.com/stacklok/tokenchain/pkg/auth/token"
	"github.com/stacklok/tokenchain/pkg/auth/tokenexchange"
	"github.com/stacklok/tokenchain/pkg/config"
	"github.com/stacklok/tokenchain/pkg/delegation"
	"github.com/stacklok/tokenchain/pkg/hop"
	"github.com/stacklok/tokenchain/pkg/logger"
	"github.com/stacklok/tokenchain/pkg/networking"
)

// warmTries bounds the startup key set fetch. Keys are fetched lazily when
// warm-up fails, so this only shortens the first request.
const warmTries = 5

// HopServer is one fully wired hop.
type HopServer struct {
	cfg      *config.Config
	policy   *delegation.Hop
	resolver *jwks.Resolver
	handler  http.Handler
	logger   *slog.Logger
	closers  []func() error
}

// NewHopServer validates cfg and builds every component of the hop.
// metrics may be nil.
func NewHopServer(ctx context.Context, cfg *config.Config, metrics http.Handler) (*HopServer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy, err := cfg.HopPolicy()
	if err != nil {
		return nil, err
	}
	agent, err := agents.ServiceFor(policy.Name)
	if err != nil {
		return nil, err
	}
	log := logger.For("server").With("hop", policy.Name)
	s := &HopServer{cfg: cfg, policy: policy, logger: log}

	builder := networking.NewHTTPClientBuilder().
		WithTimeout(cfg.HTTPTimeout).
		WithPrivateIPs(cfg.AllowPrivateIP).
		WithInsecureHTTP(cfg.AllowInsecureHTTP)
	if cfg.CACertPath != "" {
		builder = builder.WithCABundle(cfg.CACertPath)
	}
	client, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP client: %w", err)
	}

	endpoints, err := cfg.Endpoints(ctx, client)
	if err != nil {
		return nil, err
	}
	log.Debug("resolved identity provider endpoints",
		"issuer", endpoints.Issuer, "token_endpoint", endpoints.TokenURL, "jwks_uri", endpoints.JWKSURL)

	opts := jwks.Options{TTL: cfg.KeyCacheTTL, MinRefreshInterval: cfg.KeyRefreshInterval}
	var health func(context.Context) error
	if cfg.RedisAddress != "" {
		store, err := jwks.DialRedisStore(ctx, cfg.RedisAddress, cfg.RedisPassword, "")
		if err != nil {
			return nil, err
		}
		opts.Store = store
		health = store.Ping
		s.closers = append(s.closers, store.Close)
	}
	s.resolver, err = jwks.NewResolver(jwks.NewRemoteFetcher(client),
		map[string]string{endpoints.Issuer: endpoints.JWKSURL}, opts)
	if err != nil {
		return nil, s.closeWith(err)
	}

	metadataURL, err := resourceMetadataURL(cfg.ResourceURL)
	if err != nil {
		return nil, s.closeWith(err)
	}
	verifier, err := token.NewVerifier(s.resolver, token.Config{
		Issuer:              endpoints.Issuer,
		Audience:            cfg.ClientID,
		ResourceMetadataURL: metadataURL,
	})
	if err != nil {
		return nil, s.closeWith(err)
	}

	base := hop.Config{Hop: policy, Verifier: verifier}
	if !policy.Terminal() {
		exchanger, err := tokenexchange.NewClient(tokenexchange.Config{
			TokenURL:     endpoints.TokenURL,
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			AuthMethod:   tokenexchange.AuthMethod(cfg.ClientAuthMethod),
			HTTPClient:   client,
		})
		if err != nil {
			return nil, s.closeWith(err)
		}
		base.Exchanger = exchanger
		base.Caller = hop.NewHTTPCaller(client, nil)
		base.NextURL = cfg.NextHopURL
	}

	routes := make([]Route, 0, len(agent.Routes))
	for _, r := range agent.Routes {
		hc := base
		hc.Service = r.Service
		h, err := hop.NewHandler(hc)
		if err != nil {
			return nil, s.closeWith(err)
		}
		routes = append(routes, Route{Method: r.Method, Path: r.Path, Handler: h})
	}

	var metadata http.Handler
	if cfg.ResourceURL != "" {
		metadata = token.NewResourceMetadataHandler(cfg.ResourceURL, endpoints.Issuer, endpoints.JWKSURL,
			policy.RequiredScope.Tokens())
	}
	s.handler = NewRouter(RouterConfig{
		Routes:   routes,
		Health:   health,
		Metrics:  metrics,
		Metadata: metadata,
	})
	return s, nil
}

// resourceMetadataURL derives the RFC 9728 well-known URL of resource.
func resourceMetadataURL(resource string) (string, error) {
	if resource == "" {
		return "", nil
	}
	u, err := url.Parse(resource)
	if err != nil {
		return "", fmt.Errorf("invalid resource URL %q: %w", resource, err)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: token.ResourceMetadataPath + u.Path}).String(), nil
}

// Handler returns the hop's router.
func (s *HopServer) Handler() http.Handler { return s.handler }

// Name returns the served hop.
func (s *HopServer) Name() string { return s.policy.Name }

// Run warms the key cache and serves until ctx is cancelled.
func (s *HopServer) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddress)
	if err != nil {
		return s.closeWith(fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddress, err))
	}
	return s.RunListener(ctx, listener)
}

// RunListener is Run on an existing listener.
func (s *HopServer) RunListener(ctx context.Context, listener net.Listener) error {
	if err := s.resolver.Warm(ctx, warmTries); err != nil {
		s.logger.Warn("key set warm-up failed, keys will be fetched on first use", "error", err)
	}
	s.logger.Info("serving hop",
		"address", listener.Addr().String(), "client_id", s.cfg.ClientID, "terminal", s.policy.Terminal())
	return s.closeWith(ServeListener(ctx, listener, s.handler, s.cfg.ShutdownTimeout))
}

// Close releases the resources held by the hop.
func (s *HopServer) Close() error {
	return s.closeWith(nil)
}

func (s *HopServer) closeWith(err error) error {
	errs := []error{err}
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	s.closers = nil
	return errors.Join(errs...)
}
