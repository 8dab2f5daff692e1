// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package testkit

import (
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

const (
	grantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange" //nolint:gosec // URN, not a credential
	tokenTypeAccessToken   = "urn:ietf:params:oauth:token-type:access_token"   //nolint:gosec // URN, not a credential
)

type signingKey struct {
	kid string
	key *rsa.PrivateKey
}

// IdentityProvider is an in-process stand-in for a Keycloak realm.
type IdentityProvider struct {
	Server *httptest.Server

	mu        sync.Mutex
	keys      []signingKey
	exchanges []ExchangeCall

	clients   map[string]string
	users     map[string]string
	responder Responder
	lifetime  time.Duration

	certsRequests atomic.Int64
	certsFailing  atomic.Bool
}

// NewIdentityProvider starts a provider that is shut down when t finishes.
func NewIdentityProvider(t testing.TB, opts ...Option) *IdentityProvider {
	t.Helper()

	key, err := NewSigningKey()
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}

	p := &IdentityProvider{
		keys:     []signingKey{{kid: "realm-key-1", key: key}},
		clients:  map[string]string{},
		users:    map[string]string{},
		lifetime: 5 * time.Minute,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			t.Fatalf("failed to apply option: %v", err)
		}
	}

	r := chi.NewRouter()
	r.Get("/realms/{realm}/protocol/openid-connect/certs", p.handleCerts)
	r.Post("/realms/{realm}/protocol/openid-connect/token", p.handleToken)
	r.Get("/realms/{realm}/.well-known/openid-configuration", p.handleDiscovery)

	p.Server = httptest.NewServer(r)
	t.Cleanup(p.Server.Close)
	return p
}

// BaseURL is the provider root, the equivalent of the Keycloak base URL.
func (p *IdentityProvider) BaseURL() string { return p.Server.URL }

// Issuer is the realm issuer placed in every minted token.
func (p *IdentityProvider) Issuer() string { return p.Server.URL + "/realms/" + Realm }

// TokenURL is the realm token endpoint.
func (p *IdentityProvider) TokenURL() string {
	return p.Issuer() + "/protocol/openid-connect/token"
}

// JWKSURL is the realm key set endpoint.
func (p *IdentityProvider) JWKSURL() string {
	return p.Issuer() + "/protocol/openid-connect/certs"
}

// KeyID returns the kid of the current signing key.
func (p *IdentityProvider) KeyID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.keys[len(p.keys)-1].kid
}

// RotateKey publishes a new signing key alongside the old ones and returns
// its kid.
func (p *IdentityProvider) RotateKey(t testing.TB) string {
	t.Helper()
	key, err := NewSigningKey()
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	kid := fmt.Sprintf("realm-key-%d", len(p.keys)+1)
	p.keys = append(p.keys, signingKey{kid: kid, key: key})
	return kid
}

// FailCerts makes the key set endpoint return 503 while failing is true.
func (p *IdentityProvider) FailCerts(failing bool) {
	p.certsFailing.Store(failing)
}

// CertsRequests counts key set fetches.
func (p *IdentityProvider) CertsRequests() int64 {
	return p.certsRequests.Load()
}

// Exchanges returns a copy of the grants received so far.
func (p *IdentityProvider) Exchanges() []ExchangeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ExchangeCall(nil), p.exchanges...)
}

// Claims returns a baseline claim set for a user token addressed to aud.
func (p *IdentityProvider) Claims(aud, scope string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   p.Issuer(),
		"sub":   DefaultSubject,
		"aud":   aud,
		"azp":   "user-app",
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(p.lifetime).Unix(),
	}
}

// Mint signs claims with the current published key.
func (p *IdentityProvider) Mint(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	p.mu.Lock()
	current := p.keys[len(p.keys)-1]
	p.mu.Unlock()

	token, err := SignToken(current.key, current.kid, claims)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

// MintUnpublished signs claims with a fresh key whose kid is not in the key set.
func (p *IdentityProvider) MintUnpublished(t testing.TB, claims jwt.MapClaims) string {
	t.Helper()
	key, err := NewSigningKey()
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}
	token, err := SignToken(key, "unpublished-key", claims)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return token
}

func (p *IdentityProvider) handleCerts(w http.ResponseWriter, r *http.Request) {
	p.certsRequests.Add(1)
	if chi.URLParam(r, "realm") != Realm {
		writeJSON(w, http.StatusNotFound, OAuthError{Error: "Realm does not exist"})
		return
	}
	if p.certsFailing.Load() {
		writeJSON(w, http.StatusServiceUnavailable, OAuthError{Error: "temporarily_unavailable"})
		return
	}

	set, err := p.keySet()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, OAuthError{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, set)
}

// keySet publishes every signing key plus one encryption key that verifiers
// must ignore.
func (p *IdentityProvider) keySet() (jwk.Set, error) {
	p.mu.Lock()
	keys := append([]signingKey(nil), p.keys...)
	p.mu.Unlock()

	set := jwk.NewSet()
	for _, k := range keys {
		pub, err := jwk.Import(&k.key.PublicKey)
		if err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyIDKey, k.kid); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.AlgorithmKey, "RS256"); err != nil {
			return nil, err
		}
		if err := pub.Set(jwk.KeyUsageKey, "sig"); err != nil {
			return nil, err
		}
		if err := set.AddKey(pub); err != nil {
			return nil, err
		}
	}

	encKey, err := jwk.Import(&keys[0].key.PublicKey)
	if err != nil {
		return nil, err
	}
	for k, v := range map[string]any{
		jwk.KeyIDKey:     "realm-enc-key",
		jwk.AlgorithmKey: "RSA-OAEP",
		jwk.KeyUsageKey:  "enc",
	} {
		if err := encKey.Set(k, v); err != nil {
			return nil, err
		}
	}
	if err := set.AddKey(encKey); err != nil {
		return nil, err
	}
	return set, nil
}

func (p *IdentityProvider) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                p.Issuer(),
		"token_endpoint":                        p.TokenURL(),
		"jwks_uri":                              p.JWKSURL(),
		"authorization_endpoint":                p.Issuer() + "/protocol/openid-connect/auth",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"grant_types_supported":                 []string{"password", grantTypeTokenExchange},
	})
}

func (p *IdentityProvider) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, OAuthError{Error: "invalid_request"})
		return
	}

	call := ExchangeCall{
		GrantType:          r.PostForm.Get("grant_type"),
		ClientID:           r.PostForm.Get("client_id"),
		ClientSecret:       r.PostForm.Get("client_secret"),
		SubjectToken:       r.PostForm.Get("subject_token"),
		SubjectTokenType:   r.PostForm.Get("subject_token_type"),
		RequestedTokenType: r.PostForm.Get("requested_token_type"),
		Audience:           r.PostForm.Get("audience"),
		Scope:              r.PostForm.Get("scope"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		// RFC 6749 Section 2.3.1 form-encodes credentials inside Basic.
		id, _ = url.QueryUnescape(id)
		secret, _ = url.QueryUnescape(secret)
		call.ClientID, call.ClientSecret, call.UsedBasicAuth = id, secret, true
	}

	p.mu.Lock()
	p.exchanges = append(p.exchanges, call)
	p.mu.Unlock()

	if !p.clientAllowed(call.ClientID, call.ClientSecret) {
		writeJSON(w, http.StatusUnauthorized, OAuthError{Error: "invalid_client", ErrorDescription: "Invalid client credentials"})
		return
	}

	switch call.GrantType {
	case grantTypeTokenExchange:
		if p.responder != nil {
			status, body := p.responder(call)
			writeJSON(w, status, body)
			return
		}
		p.exchange(w, call)
	case "password":
		p.password(w, r, call)
	default:
		writeJSON(w, http.StatusBadRequest, OAuthError{Error: "unsupported_grant_type"})
	}
}

func (p *IdentityProvider) clientAllowed(id, secret string) bool {
	if len(p.clients) == 0 {
		return true
	}
	want, ok := p.clients[id]
	return ok && want == secret
}

// exchange grants exactly the requested scope to the requested audience,
// the way a realm with per-client scope mappings does.
func (p *IdentityProvider) exchange(w http.ResponseWriter, call ExchangeCall) {
	if call.SubjectTokenType != tokenTypeAccessToken {
		writeJSON(w, http.StatusBadRequest, OAuthError{Error: "invalid_request", ErrorDescription: "unsupported subject_token_type"})
		return
	}
	subject, err := p.parse(call.SubjectToken)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, OAuthError{Error: "invalid_token", ErrorDescription: err.Error()})
		return
	}
	if call.Audience == "" {
		writeJSON(w, http.StatusBadRequest, OAuthError{Error: "invalid_request", ErrorDescription: "audience is required"})
		return
	}

	claims := p.Claims(call.Audience, call.Scope)
	claims["sub"] = subject["sub"]
	claims["azp"] = call.ClientID
	claims["act"] = map[string]any{"sub": call.ClientID}
	p.issue(w, claims, call.Scope, true)
}

func (p *IdentityProvider) password(w http.ResponseWriter, r *http.Request, call ExchangeCall) {
	username, password := r.PostForm.Get("username"), r.PostForm.Get("password")
	if want, ok := p.users[username]; !ok || want != password {
		writeJSON(w, http.StatusUnauthorized, OAuthError{Error: "invalid_grant", ErrorDescription: "Invalid user credentials"})
		return
	}
	scope := call.Scope
	if scope == "" {
		scope = DefaultUserScope
	}
	claims := p.Claims(call.ClientID, scope)
	claims["sub"] = "user-" + username
	claims["azp"] = call.ClientID
	claims["preferred_username"] = username
	p.issue(w, claims, scope, false)
}

func (p *IdentityProvider) issue(w http.ResponseWriter, claims map[string]any, scope string, exchanged bool) {
	p.mu.Lock()
	current := p.keys[len(p.keys)-1]
	p.mu.Unlock()

	token, err := SignToken(current.key, current.kid, claims)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, OAuthError{Error: "server_error"})
		return
	}
	body := map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   int(p.lifetime / time.Second),
		"scope":        scope,
	}
	if exchanged {
		body["issued_token_type"] = tokenTypeAccessToken
	}
	writeJSON(w, http.StatusOK, body)
}

func (p *IdentityProvider) parse(raw string) (jwt.MapClaims, error) {
	if raw == "" {
		return nil, errors.New("subject_token is required")
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, k := range p.keys {
			if k.kid == kid {
				return &k.key.PublicKey, nil
			}
		}
		return nil, fmt.Errorf("unknown kid %q", kid)
	}, jwt.WithValidMethods([]string{"RS256"}), jwt.WithIssuer(p.Issuer()))
	if err != nil {
		return nil, fmt.Errorf("subject token rejected: %s", strings.TrimSpace(err.Error()))
	}
	return claims, nil
}

// DecodeClaims reads a token's claims without verifying it. Test assertions only.
func DecodeClaims(t testing.TB, raw string) map[string]any {
	t.Helper()
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		t.Fatalf("token has %d segments", len(parts))
	}
	payload, err := jwt.NewParser().DecodeSegment(parts[1])
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	return claims
}
