// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwks

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/stacklok/tokenchain/pkg/logger"
)

const (
	// DefaultTTL is how long a fetched key set is trusted without refetching.
	DefaultTTL = 5 * time.Minute

	// DefaultMinRefreshInterval is the minimum gap between refetches caused
	// by unknown kids.
	DefaultMinRefreshInterval = 10 * time.Second

	meterName = "github.com/stacklok/tokenchain/pkg/auth/jwks"
)

// Options tunes a Resolver. Zero values select defaults.
type Options struct {
	TTL                time.Duration
	MinRefreshInterval time.Duration
	// Store optionally shares documents with other replicas.
	Store  Store
	Logger *slog.Logger
	Clock  func() time.Time
}

type cacheKey struct {
	issuer string
	kid    string
}

type snapshot struct {
	keys      map[cacheKey]*rsa.PublicKey
	fetchedAt map[string]time.Time
}

// Resolver returns RS256 verification keys for registered issuers.
// It is safe for concurrent use.
type Resolver struct {
	issuers    map[string]string
	fetcher    Fetcher
	store      Store
	ttl        time.Duration
	minRefresh time.Duration
	now        func() time.Time
	logger     *slog.Logger
	fetches    metric.Int64Counter

	snap atomic.Pointer[snapshot]
}

// NewResolver builds a resolver for the given issuer to key set URL mapping.
func NewResolver(fetcher Fetcher, issuers map[string]string, opts Options) (*Resolver, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	if len(issuers) == 0 {
		return nil, errors.New("at least one issuer is required")
	}
	for issuer, u := range issuers {
		if issuer == "" || u == "" {
			return nil, fmt.Errorf("issuer %q has an empty key set URL", issuer)
		}
	}

	r := &Resolver{
		issuers:    maps.Clone(issuers),
		fetcher:    fetcher,
		store:      opts.Store,
		ttl:        opts.TTL,
		minRefresh: opts.MinRefreshInterval,
		now:        opts.Clock,
		logger:     opts.Logger,
	}
	if r.ttl <= 0 {
		r.ttl = DefaultTTL
	}
	if r.minRefresh <= 0 {
		r.minRefresh = DefaultMinRefreshInterval
	}
	if r.now == nil {
		r.now = time.Now
	}
	if r.logger == nil {
		r.logger = logger.For("jwks")
	}

	counter, err := otel.Meter(meterName).Int64Counter("tokenchain.jwks.fetches",
		metric.WithDescription("Key set documents loaded, by source and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch counter: %w", err)
	}
	r.fetches = counter

	r.snap.Store(&snapshot{
		keys:      map[cacheKey]*rsa.PublicKey{},
		fetchedAt: map[string]time.Time{},
	})
	return r, nil
}

// Resolve returns the key for kid published by issuer. Failures wrap
// ErrKeyNotFound, ErrKeySetUnavailable or ErrUnknownIssuer.
func (r *Resolver) Resolve(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error) {
	jwksURL, ok := r.issuers[issuer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIssuer, issuer)
	}
	if kid == "" {
		return nil, fmt.Errorf("%w: token has no kid", ErrKeyNotFound)
	}

	now := r.now()
	snap := r.snap.Load()
	key, found := snap.keys[cacheKey{issuer: issuer, kid: kid}]
	fetchedAt, seen := snap.fetchedAt[issuer]
	age := now.Sub(fetchedAt)

	if seen && age < r.ttl {
		if found {
			return key, nil
		}
		if age < r.minRefresh {
			return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
		}
	}

	keys, err := r.refresh(ctx, issuer, jwksURL, kid)
	if err != nil {
		return nil, err
	}
	if key, ok := keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, kid)
}

// Warm loads every registered issuer's key set, retrying with exponential
// backoff up to maxTries attempts each. Only startup uses this; Resolve never
// retries.
func (r *Resolver) Warm(ctx context.Context, maxTries uint) error {
	if maxTries == 0 {
		maxTries = 1
	}
	var errs []error
	for issuer, jwksURL := range r.issuers {
		expBackoff := backoff.NewExponentialBackOff()
		expBackoff.InitialInterval = 250 * time.Millisecond
		expBackoff.MaxInterval = 5 * time.Second

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			_, err := r.refresh(ctx, issuer, jwksURL, "")
			return struct{}{}, err
		},
			backoff.WithBackOff(expBackoff),
			backoff.WithMaxTries(maxTries),
			backoff.WithNotify(func(err error, d time.Duration) {
				r.logger.Warn("key set warm-up failed, retrying",
					"issuer", issuer, "error", err, "retry_in", d)
			}),
		)
		if err != nil {
			errs = append(errs, fmt.Errorf("warming %s: %w", issuer, err))
		}
	}
	return errors.Join(errs...)
}

// refresh loads the issuer's keys and installs them in a new snapshot. A
// shared store entry is used only if it is younger than the TTL and already
// carries wantKID.
func (r *Resolver) refresh(ctx context.Context, issuer, jwksURL, wantKID string) (map[string]*rsa.PublicKey, error) {
	if keys, fetchedAt, ok := r.loadFromStore(ctx, issuer, wantKID); ok {
		r.install(issuer, keys, fetchedAt)
		return keys, nil
	}

	fetchedAt := r.now()
	doc, err := r.fetcher.Fetch(ctx, jwksURL)
	if err != nil {
		r.record(ctx, "remote", "error")
		return nil, fmt.Errorf("fetching key set for %s: %w", issuer, err)
	}
	keys, err := parseSigningKeys(doc, r.logger)
	if err != nil {
		r.record(ctx, "remote", "error")
		return nil, err
	}
	r.record(ctx, "remote", "ok")
	r.logger.Debug("fetched key set", "issuer", issuer, "signing_keys", len(keys))

	if r.store != nil {
		shared := Document{Body: doc, FetchedAt: fetchedAt}
		if err := r.store.Save(ctx, issuer, shared, r.ttl); err != nil {
			r.logger.Warn("failed to share key set", "issuer", issuer, "error", err)
		}
	}

	r.install(issuer, keys, fetchedAt)
	return keys, nil
}

func (r *Resolver) loadFromStore(
	ctx context.Context, issuer, wantKID string,
) (map[string]*rsa.PublicKey, time.Time, bool) {
	if r.store == nil {
		return nil, time.Time{}, false
	}
	doc, ok, err := r.store.Load(ctx, issuer)
	if err != nil {
		r.logger.Warn("shared key set store unavailable", "issuer", issuer, "error", err)
		return nil, time.Time{}, false
	}
	if !ok {
		return nil, time.Time{}, false
	}
	now := r.now()
	fetchedAt := doc.FetchedAt
	if fetchedAt.After(now) {
		// Small skew between replica clocks is tolerated. An entry dated
		// further ahead could otherwise be trusted indefinitely.
		if fetchedAt.Sub(now) > r.minRefresh {
			r.record(ctx, "store", "stale")
			return nil, time.Time{}, false
		}
		fetchedAt = now
	}
	if now.Sub(fetchedAt) >= r.ttl {
		r.record(ctx, "store", "stale")
		return nil, time.Time{}, false
	}
	keys, err := parseSigningKeys(doc.Body, r.logger)
	if err != nil {
		r.logger.Warn("ignoring corrupt shared key set", "issuer", issuer, "error", err)
		return nil, time.Time{}, false
	}
	if wantKID != "" {
		if _, ok := keys[wantKID]; !ok {
			return nil, time.Time{}, false
		}
	}
	r.record(ctx, "store", "ok")
	return keys, fetchedAt, true
}

// install replaces issuer's keys with a compare-and-swap so concurrent
// refreshes of other issuers are not lost. at is when the keys were fetched
// from the identity provider.
func (r *Resolver) install(issuer string, keys map[string]*rsa.PublicKey, at time.Time) {
	for {
		old := r.snap.Load()
		next := &snapshot{
			keys:      make(map[cacheKey]*rsa.PublicKey, len(old.keys)+len(keys)),
			fetchedAt: maps.Clone(old.fetchedAt),
		}
		for k, v := range old.keys {
			if k.issuer != issuer {
				next.keys[k] = v
			}
		}
		for kid, pub := range keys {
			next.keys[cacheKey{issuer: issuer, kid: kid}] = pub
		}
		next.fetchedAt[issuer] = at
		if r.snap.CompareAndSwap(old, next) {
			return
		}
	}
}

func (r *Resolver) record(ctx context.Context, source, outcome string) {
	r.fetches.Add(ctx, 1, metric.WithAttributes(
		attribute.String("source", source),
		attribute.String("outcome", outcome),
	))
}
