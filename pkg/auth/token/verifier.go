// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token verifies inbound bearer tokens for a delegation hop.
//
// A token is authorized when its RS256 signature verifies against the
// issuer's published key, its iss equals the configured issuer, its aud
// contains this service's client id, it has not expired, and its scope holds
// every scope the endpoint requires.
package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/tokenchain/pkg/auth/jwks"
	"github.com/stacklok/tokenchain/pkg/auth/scope"
	chainerr "github.com/stacklok/tokenchain/pkg/errors"
	"github.com/stacklok/tokenchain/pkg/logger"
)

// DefaultLeeway tolerates clock skew between the provider and this service
// for nbf and iat. Expiry is never extended.
const DefaultLeeway = 30 * time.Second

// KeyResolver returns the verification key for a kid published by issuer.
type KeyResolver interface {
	Resolve(ctx context.Context, issuer, kid string) (*rsa.PublicKey, error)
}

// Config configures a Verifier.
type Config struct {
	// Issuer is the exact expected iss, e.g. https://idp/realms/demo.
	Issuer string
	// Audience is this service's own client id.
	Audience string
	// ResourceMetadataURL is advertised in challenges when set (RFC 9728).
	ResourceMetadataURL string
	// Leeway applies to nbf and iat. Zero selects DefaultLeeway. A token
	// is expired from its exp onwards regardless of leeway.
	Leeway time.Duration
	Logger *slog.Logger
	Clock  func() time.Time
}

// Verifier authenticates bearer tokens. It holds no per-request state and
// is safe for concurrent use.
type Verifier struct {
	keys       KeyResolver
	issuer     string
	audience   string
	parser     *jwt.Parser
	challenger Challenger
	logger     *slog.Logger
	now        func() time.Time
}

// NewVerifier creates a verifier backed by keys.
func NewVerifier(keys KeyResolver, cfg Config) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("key resolver is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer is required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("audience is required")
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = DefaultLeeway
	}
	log := cfg.Logger
	if log == nil {
		log = logger.For("verifier")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithAudience(cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	now := time.Now
	if cfg.Clock != nil {
		now = cfg.Clock
		opts = append(opts, jwt.WithTimeFunc(cfg.Clock))
	}

	return &Verifier{
		keys:     keys,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		parser:   jwt.NewParser(opts...),
		challenger: Challenger{
			Realm:               cfg.Issuer,
			ResourceMetadataURL: cfg.ResourceMetadataURL,
		},
		logger: log,
		now:    now,
	}, nil
}

// Audience returns the client id tokens must be addressed to.
func (v *Verifier) Audience() string { return v.audience }

// Issuer returns the expected issuer.
func (v *Verifier) Issuer() string { return v.issuer }

// Authenticate extracts the bearer token from r and verifies it.
func (v *Verifier) Authenticate(r *http.Request, required scope.Set) (string, *VerifiedClaims, error) {
	raw, err := ExtractBearer(r.Header.Get("Authorization"))
	if err != nil {
		if r.Header.Get("Authorization") == "" {
			return "", nil, v.challenger.Unauthenticated("", err)
		}
		return "", nil, v.challenger.Unauthenticated(err.Error(), err)
	}
	claims, err := v.Verify(r.Context(), raw, required)
	if err != nil {
		return "", nil, err
	}
	return raw, claims, nil
}

// Verify checks raw and returns its claims. Errors are classified: bad or
// foreign tokens are unauthenticated, a missing scope is forbidden, and an
// unusable key set is a verification error.
func (v *Verifier) Verify(ctx context.Context, raw string, required scope.Set) (*VerifiedClaims, error) {
	v.diagnose(raw)

	claims := &accessTokenClaims{}
	_, err := v.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		kid, _ := t.Header["kid"].(string)
		return v.keys.Resolve(ctx, v.issuer, kid)
	})
	if err != nil {
		return nil, v.classify(err)
	}
	// The parser's leeway covers exp too.
	if !v.now().Before(claims.ExpiresAt.Time) {
		return nil, v.reject("token expired", jwt.ErrTokenExpired)
	}

	verified := newVerifiedClaims(claims)
	if missing := verified.scope.Missing(required); !missing.Empty() {
		v.logger.Info("token lacks required scope",
			"audience", v.audience, "required", required.String(), "missing", missing.String())
		return nil, v.challenger.InsufficientScope(missing, required)
	}

	v.logger.Debug("token verified", "subject", verified.subject, "claims", verified.String())
	return verified, nil
}

// diagnose logs the unverified header for troubleshooting. Failure to parse
// is not fatal here; signature verification rejects the token on its own.
func (v *Verifier) diagnose(raw string) {
	if !v.logger.Enabled(context.Background(), slog.LevelDebug) {
		return
	}
	unverified := &accessTokenClaims{}
	t, _, err := v.parser.ParseUnverified(raw, unverified)
	if err != nil {
		v.logger.Debug("token could not be decoded before verification", "error", err)
		return
	}
	v.logger.Debug("verifying token",
		"kid", t.Header["kid"], "alg", t.Header["alg"],
		"aud", []string(unverified.Audience), "azp", unverified.AuthorizedParty)
}

func (v *Verifier) classify(err error) error {
	switch {
	case errors.Is(err, jwks.ErrKeySetUnavailable), errors.Is(err, jwks.ErrUnknownIssuer):
		v.logger.Error("signing keys unavailable", "issuer", v.issuer, "error", err)
		return chainerr.NewVerificationError("unable to verify token", err)
	case errors.Is(err, jwks.ErrKeyNotFound):
		return v.reject("token signed with an unknown key", err)
	case errors.Is(err, jwt.ErrTokenMalformed):
		return v.reject("malformed token", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return v.reject("invalid token signature", err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return v.reject("token expired", err)
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return v.reject("token is missing a required claim", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return v.reject("invalid token issuer", err)
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return v.reject("token is not addressed to this service", err)
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return v.reject("token is not valid yet", err)
	default:
		return v.reject("invalid token", err)
	}
}

func (v *Verifier) reject(description string, cause error) error {
	v.logger.Info("rejected token", "audience", v.audience, "reason", description)
	v.logger.Debug("token rejection detail", "error", cause)
	return v.challenger.Unauthenticated(description, cause)
}

// Unauthenticated returns a challenge error for this verifier's realm.
func (v *Verifier) Unauthenticated(description string, cause error) error {
	return v.challenger.Unauthenticated(description, cause)
}
