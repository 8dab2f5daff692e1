// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokenexchange provides OAuth 2.0 Token Exchange (RFC 8693) support.
//
// A Client trades a verified subject token for a new token addressed to the
// next hop. Authority may only narrow: the requested scope must fit within a
// caller-supplied ceiling, and the granted scope must fit within the request.
package tokenexchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/tokenchain/pkg/auth/scope"
	chainerr "github.com/stacklok/tokenchain/pkg/errors"
	"github.com/stacklok/tokenchain/pkg/logger"
	"github.com/stacklok/tokenchain/pkg/networking"
)

const (
	// GrantTypeTokenExchange is the OAuth 2.0 Token Exchange grant type (RFC 8693)
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	GrantTypeTokenExchange = "urn:ietf:params:oauth:grant-type:token-exchange"

	// TokenTypeAccessToken indicates an OAuth 2.0 access token
	//nolint:gosec // G101: False positive - these are OAuth2 URN identifiers, not credentials
	TokenTypeAccessToken = "urn:ietf:params:oauth:token-type:access_token"

	// maxResponseBodySize is the maximum size for reading response bodies (1 MB)
	maxResponseBodySize = 1 << 20

	redactedPlaceholder = "[REDACTED]"
	emptyPlaceholder    = "<empty>"
)

// AuthMethod selects how the client authenticates to the token endpoint.
type AuthMethod string

const (
	// AuthClientSecretPost sends client_id and client_secret in the form body.
	AuthClientSecretPost AuthMethod = "client_secret_post"
	// AuthClientSecretBasic sends them with HTTP Basic authentication.
	AuthClientSecretBasic AuthMethod = "client_secret_basic"
)

// OAuthError is an RFC 6749 Section 5.2 error response.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	URI         string `json:"error_uri,omitempty"`
	StatusCode  int    `json:"-"`
}

// Error implements the error interface.
func (e *OAuthError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("OAuth error %q (status %d): %s", e.Code, e.StatusCode, e.Description)
	}
	return fmt.Sprintf("OAuth error %q (status %d)", e.Code, e.StatusCode)
}

func parseOAuthError(resp *http.Response, body []byte) error {
	var oauthErr OAuthError
	if err := json.Unmarshal(body, &oauthErr); err != nil || oauthErr.Code == "" {
		return nil
	}
	oauthErr.StatusCode = resp.StatusCode
	return &oauthErr
}

// Request describes one exchange.
type Request struct {
	// SubjectToken is the verified inbound token.
	SubjectToken string
	// Audience is the client id of the next hop.
	Audience string
	// Scope is the scope requested for the next hop.
	Scope scope.Set
	// Ceiling bounds Scope and the granted scope. A request whose scope
	// exceeds the ceiling is refused without contacting the provider.
	Ceiling scope.Set
}

// String implements fmt.Stringer, redacting the subject token.
func (r Request) String() string {
	subject := redactedPlaceholder
	if r.SubjectToken == "" {
		subject = emptyPlaceholder
	}
	return fmt.Sprintf("Request{Audience: %s, Scope: %q, Ceiling: %q, SubjectToken: %s}",
		r.Audience, r.Scope.String(), r.Ceiling.String(), subject)
}

// Result is a freshly minted token for the next hop.
type Result struct {
	AccessToken     string
	TokenType       string
	IssuedTokenType string
	ExpiresIn       int
	// Scope is the scope the provider reported, or the requested scope when
	// the provider omitted it (RFC 8693 Section 2.2.1).
	Scope scope.Set
}

// String implements fmt.Stringer, redacting the access token.
func (r Result) String() string {
	token := redactedPlaceholder
	if r.AccessToken == "" {
		token = emptyPlaceholder
	}
	return fmt.Sprintf("Result{AccessToken: %s, TokenType: %s, ExpiresIn: %d, Scope: %q}",
		token, r.TokenType, r.ExpiresIn, r.Scope.String())
}

// response is used to decode the remote server response during an OAuth 2.0 token exchange.
type response struct {
	AccessToken     string `json:"access_token"`
	IssuedTokenType string `json:"issued_token_type"`
	TokenType       string `json:"token_type"`
	ExpiresIn       int    `json:"expires_in"`
	Scope           string `json:"scope"`
}

// Config configures a Client.
type Config struct {
	// TokenURL is the provider token endpoint.
	TokenURL string
	// ClientID and ClientSecret identify the exchanging hop itself.
	ClientID     string
	ClientSecret string
	// AuthMethod defaults to AuthClientSecretPost.
	AuthMethod AuthMethod
	HTTPClient networking.HTTPClient
	Logger     *slog.Logger
}

// String implements fmt.Stringer, redacting the client secret.
func (c Config) String() string {
	secret := redactedPlaceholder
	if c.ClientSecret == "" {
		secret = emptyPlaceholder
	}
	return fmt.Sprintf("Config{TokenURL: %s, ClientID: %s, ClientSecret: %s, AuthMethod: %s}",
		c.TokenURL, c.ClientID, secret, c.AuthMethod)
}

// Validate checks if the Config contains all required fields.
func (c *Config) Validate() error {
	if c.TokenURL == "" {
		return fmt.Errorf("TokenURL is required")
	}
	if u, err := url.Parse(c.TokenURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("TokenURL is not a valid URL: %q", c.TokenURL)
	}
	if c.ClientID == "" {
		return fmt.Errorf("ClientID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("ClientSecret is required")
	}
	switch c.AuthMethod {
	case "", AuthClientSecretPost, AuthClientSecretBasic:
	default:
		return fmt.Errorf("unsupported client authentication method %q", c.AuthMethod)
	}
	return nil
}

// Client performs token exchanges on behalf of one hop. It is safe for
// concurrent use and keeps no tokens between calls.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	metrics *instruments
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid token exchange config: %w", err)
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = AuthClientSecretPost
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: networking.DefaultTimeout}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.For("tokenexchange")
	}
	m, err := newInstruments()
	if err != nil {
		return nil, err
	}
	return &Client{cfg: cfg, logger: log, metrics: m}, nil
}

// ClientID returns the identity the client exchanges as.
func (c *Client) ClientID() string { return c.cfg.ClientID }

// Exchange trades req.SubjectToken for a token addressed to req.Audience.
// Refusals are classified as exchange denied and transport failures as
// exchange unavailable. Nothing is retried.
func (c *Client) Exchange(ctx context.Context, req Request) (*Result, error) {
	ctx, span := startSpan(ctx, req)
	defer span.End()
	start := time.Now()

	result, err := c.exchange(ctx, req)
	c.metrics.record(ctx, req.Audience, err, time.Since(start))
	endSpan(span, err)
	return result, err
}

func (c *Client) exchange(ctx context.Context, req Request) (*Result, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	form := buildFormData(req)
	opts := []networking.FetchOption{
		networking.WithMaxResponseSize(maxResponseBodySize),
		networking.WithErrorHandler(parseOAuthError),
	}
	switch c.cfg.AuthMethod {
	case AuthClientSecretBasic:
		// RFC 6749 Section 2.3.1 requires form-encoding before Basic encoding.
		basic := url.QueryEscape(c.cfg.ClientID) + ":" + url.QueryEscape(c.cfg.ClientSecret)
		opts = append(opts, networking.WithHeader("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(basic))))
	default:
		form.Set("client_id", c.cfg.ClientID)
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	c.logger.Debug("requesting token exchange", "request", req.String(), "client_id", c.cfg.ClientID)

	fetched, err := networking.FetchJSONWithForm[response](ctx, c.cfg.HTTPClient, c.cfg.TokenURL, form, opts...)
	if err != nil {
		return nil, c.classify(req, err)
	}

	result, err := c.validateResponse(req, &fetched.Data)
	if err != nil {
		c.logger.Warn("token exchange response rejected",
			"audience", req.Audience, "scope", req.Scope.String(), "error", err)
		return nil, err
	}

	c.logger.Info("token exchange granted",
		"client_id", c.cfg.ClientID, "audience", req.Audience,
		"requested_scope", req.Scope.String(), "granted_scope", result.Scope.String(),
		"expires_in", result.ExpiresIn)
	return result, nil
}

func validateRequest(req Request) error {
	if req.SubjectToken == "" {
		return chainerr.NewExchangeDeniedError("token exchange requires a subject token", nil)
	}
	if req.Audience == "" {
		return chainerr.NewExchangeDeniedError("token exchange requires a target audience", nil)
	}
	if !req.Scope.SubsetOf(req.Ceiling) {
		excess := req.Ceiling.Missing(req.Scope)
		return chainerr.NewExchangeDeniedError(
			"requested scope exceeds delegated authority: "+excess.String(),
			&OAuthError{Code: "invalid_scope", Description: "local narrowing check"})
	}
	return nil
}

// buildFormData constructs the RFC 8693 Section 2.1 form.
func buildFormData(req Request) url.Values {
	data := url.Values{}
	data.Set("grant_type", GrantTypeTokenExchange)
	data.Set("subject_token", req.SubjectToken)
	data.Set("subject_token_type", TokenTypeAccessToken)
	data.Set("requested_token_type", TokenTypeAccessToken)
	data.Set("audience", req.Audience)
	if !req.Scope.Empty() {
		data.Set("scope", req.Scope.String())
	}
	return data
}

func (c *Client) classify(req Request, err error) error {
	var oauthErr *OAuthError
	switch {
	case errors.As(err, &oauthErr):
		c.logger.Warn("token exchange denied",
			"audience", req.Audience, "scope", req.Scope.String(),
			"status", oauthErr.StatusCode, "error_code", oauthErr.Code,
			"error_description", oauthErr.Description)
		return chainerr.NewExchangeDeniedError(
			fmt.Sprintf("token exchange denied by identity provider: %s", oauthErr.Code), oauthErr)
	case errors.Is(err, networking.ErrTransport):
		c.logger.Error("token exchange unavailable", "audience", req.Audience, "error", err)
		return chainerr.NewExchangeUnavailableError("identity provider unreachable", err)
	case networking.IsHTTPError(err, 0):
		var httpErr *networking.HTTPError
		errors.As(err, &httpErr)
		c.logger.Warn("token exchange denied", "audience", req.Audience, "status", httpErr.StatusCode)
		return chainerr.NewExchangeDeniedError(
			fmt.Sprintf("token exchange denied by identity provider: status %d", httpErr.StatusCode), err)
	default:
		c.logger.Warn("token exchange failed", "audience", req.Audience, "error", err)
		return chainerr.NewExchangeDeniedError("token exchange returned an unusable response", err)
	}
}

// validateResponse enforces the RFC 8693 response fields and the narrowing
// guarantees.
func (c *Client) validateResponse(req Request, resp *response) (*Result, error) {
	if resp.AccessToken == "" {
		return nil, chainerr.NewExchangeDeniedError("token exchange returned no access_token", nil)
	}
	if resp.TokenType == "" {
		return nil, chainerr.NewExchangeDeniedError("token exchange returned no token_type", nil)
	}
	if resp.IssuedTokenType != "" && resp.IssuedTokenType != TokenTypeAccessToken {
		return nil, chainerr.NewExchangeDeniedError("token exchange issued an unexpected token type", nil)
	}

	granted := req.Scope
	if strings.TrimSpace(resp.Scope) != "" {
		granted = scope.Parse(resp.Scope)
	}
	if err := checkNarrowed(req, granted, "granted scope"); err != nil {
		return nil, err
	}

	if err := checkIssuedToken(req, resp.AccessToken); err != nil {
		return nil, err
	}

	return &Result{
		AccessToken:     resp.AccessToken,
		TokenType:       resp.TokenType,
		IssuedTokenType: resp.IssuedTokenType,
		ExpiresIn:       resp.ExpiresIn,
		Scope:           granted,
	}, nil
}

func checkNarrowed(req Request, got scope.Set, what string) error {
	if !got.SubsetOf(req.Scope) {
		return chainerr.NewExchangeDeniedError(
			fmt.Sprintf("%s widens the request: %s", what, req.Scope.Missing(got).String()), nil)
	}
	if !got.SubsetOf(req.Ceiling) {
		return chainerr.NewExchangeDeniedError(
			fmt.Sprintf("%s exceeds delegated authority: %s", what, req.Ceiling.Missing(got).String()), nil)
	}
	return nil
}

type issuedClaims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// checkIssuedToken inspects a JWT access token without verifying it. The
// next hop verifies the signature; here only the addressing and scope are
// checked so a misconfigured provider cannot hand back a wider or
// misaddressed token. Opaque tokens are passed through.
func checkIssuedToken(req Request, raw string) error {
	if strings.Count(raw, ".") != 2 {
		return nil
	}
	claims := &issuedClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return nil
	}
	if len(claims.Audience) > 0 && !slices.Contains(claims.Audience, req.Audience) {
		return chainerr.NewExchangeDeniedError(
			fmt.Sprintf("issued token is not addressed to %s", req.Audience), nil)
	}
	if claims.Scope != "" {
		return checkNarrowed(req, scope.Parse(claims.Scope), "issued token scope")
	}
	return nil
}
