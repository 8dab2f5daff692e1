// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package idp derives the identity provider endpoints a hop needs and
// obtains bootstrap user tokens for manual runs.
package idp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/tokenchain/pkg/auth/scope"
)

// Endpoints are the identity provider URLs used by the chain.
type Endpoints struct {
	// Issuer is the exact iss of tokens minted by the realm.
	Issuer   string `json:"issuer"`
	TokenURL string `json:"token_endpoint"`
	JWKSURL  string `json:"jwks_uri"`
}

// FromRealm returns the Keycloak layout for realm under baseURL:
// {base}/realms/{realm} as issuer with the openid-connect token and certs
// endpoints below it.
func FromRealm(baseURL, realm string) (Endpoints, error) {
	if realm == "" || strings.Contains(realm, "/") {
		return Endpoints{}, fmt.Errorf("invalid realm %q", realm)
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return Endpoints{}, fmt.Errorf("invalid identity provider URL %q", baseURL)
	}
	issuer := u.String() + "/realms/" + url.PathEscape(realm)
	return Endpoints{
		Issuer:   issuer,
		TokenURL: issuer + "/protocol/openid-connect/token",
		JWKSURL:  issuer + "/protocol/openid-connect/certs",
	}, nil
}

// Discover reads issuer's OpenID configuration. go-oidc checks that the
// document names the same issuer; the endpoints must also share its origin.
func Discover(ctx context.Context, client *http.Client, issuer string) (Endpoints, error) {
	if client != nil {
		ctx = oidc.ClientContext(ctx, client)
	}
	provider, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return Endpoints{}, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	var doc Endpoints
	if err := provider.Claims(&doc); err != nil {
		return Endpoints{}, fmt.Errorf("failed to extract provider claims: %w", err)
	}
	if doc.TokenURL == "" || doc.JWKSURL == "" {
		return Endpoints{}, errors.New("discovery document lacks token_endpoint or jwks_uri")
	}
	for _, endpoint := range []string{doc.TokenURL, doc.JWKSURL} {
		if err := sameOrigin(endpoint, issuer); err != nil {
			return Endpoints{}, fmt.Errorf("invalid discovery document: %w", err)
		}
	}
	return doc, nil
}

func sameOrigin(endpoint, issuer string) error {
	e, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint URL: %w", err)
	}
	i, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if e.Scheme != i.Scheme || e.Host != i.Host {
		return fmt.Errorf("endpoint %s is not served by issuer origin %s://%s", endpoint, i.Scheme, i.Host)
	}
	return nil
}

// PasswordGrant holds the inputs of a resource owner password grant.
type PasswordGrant struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
	Scope        scope.Set
}

// PasswordToken obtains a user token with the password grant. It exists for
// bootstrap and manual testing only; hops never use it.
func PasswordToken(ctx context.Context, client *http.Client, endpoints Endpoints, grant PasswordGrant) (*oauth2.Token, error) {
	if grant.ClientID == "" || grant.Username == "" {
		return nil, errors.New("client id and username are required")
	}
	if client != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, client)
	}
	cfg := &oauth2.Config{
		ClientID:     grant.ClientID,
		ClientSecret: grant.ClientSecret,
		Scopes:       grant.Scope.Tokens(),
		Endpoint: oauth2.Endpoint{
			TokenURL:  endpoints.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
	tok, err := cfg.PasswordCredentialsToken(ctx, grant.Username, grant.Password)
	if err != nil {
		var retrieve *oauth2.RetrieveError
		if errors.As(err, &retrieve) {
			return nil, fmt.Errorf("password grant refused: %s %s", retrieve.ErrorCode, retrieve.ErrorDescription)
		}
		return nil, fmt.Errorf("password grant failed: %w", err)
	}
	return tok, nil
}
