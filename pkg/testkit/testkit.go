// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package testkit provides testing utilities for tokenchain.
//
// Its purpose is
//
//   - spinning up an in-process identity provider that publishes a realm key
//     set and answers password and token-exchange grants the way Keycloak does
//   - minting signed access tokens with arbitrary claims, including tokens
//     signed by keys the provider never published
//
// Tests configure behavior with [Option] values and inspect the grants the
// provider received with [IdentityProvider.Exchanges].
package testkit

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// Realm is the realm every test provider serves.
	Realm = "tokenchain"

	// DefaultUserScope mirrors the scopes granted at user login.
	DefaultUserScope = "openid profile email financial:read tax:process"

	// DefaultSubject is the user id placed in minted tokens.
	DefaultSubject = "6f1c2a9e-user"
)

// ExchangeCall records one grant request received by the token endpoint.
type ExchangeCall struct {
	GrantType          string
	ClientID           string
	ClientSecret       string
	UsedBasicAuth      bool
	SubjectToken       string
	SubjectTokenType   string
	RequestedTokenType string
	Audience           string
	Scope              string
}

// Responder overrides the token endpoint reply for exchange grants. It
// returns the HTTP status and a JSON-encodable body.
type Responder func(call ExchangeCall) (status int, body any)

// Option configures an IdentityProvider.
type Option func(*IdentityProvider) error

// WithClient registers a confidential client. When at least one client is
// registered, grants from unknown clients or with wrong secrets are refused
// with invalid_client.
func WithClient(clientID, secret string) Option {
	return func(p *IdentityProvider) error {
		if clientID == "" {
			return fmt.Errorf("client id is required")
		}
		p.clients[clientID] = secret
		return nil
	}
}

// WithResponder replaces the default exchange behavior.
func WithResponder(r Responder) Option {
	return func(p *IdentityProvider) error {
		p.responder = r
		return nil
	}
}

// WithUser registers a resource-owner for password grants.
func WithUser(username, password string) Option {
	return func(p *IdentityProvider) error {
		p.users[username] = password
		return nil
	}
}

// WithTokenLifetime sets expires_in for issued tokens.
func WithTokenLifetime(d time.Duration) Option {
	return func(p *IdentityProvider) error {
		p.lifetime = d
		return nil
	}
}

// OAuthError is the RFC 6749 Section 5.2 error body.
type OAuthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Denied is a Responder that refuses every exchange with a 400.
func Denied(code, description string) Responder {
	return func(ExchangeCall) (int, any) {
		return http.StatusBadRequest, OAuthError{Error: code, ErrorDescription: description}
	}
}

// NewSigningKey generates an RSA key for signing test tokens.
func NewSigningKey() (*rsa.PrivateKey, error) {
	return rsa.GenerateKey(rand.Reader, 2048)
}

// SignToken signs claims with RS256 under the given kid.
func SignToken(key *rsa.PrivateKey, kid string, claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	return token.SignedString(key)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
