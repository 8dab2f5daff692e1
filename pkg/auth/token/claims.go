// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/stacklok/tokenchain/pkg/auth/scope"
)

// accessTokenClaims is the wire shape of a Keycloak access token.
type accessTokenClaims struct {
	jwt.RegisteredClaims
	Scope           string      `json:"scope,omitempty"`
	Scp             []string    `json:"scp,omitempty"`
	AuthorizedParty string      `json:"azp,omitempty"`
	Actor           *actorClaim `json:"act,omitempty"`
}

// actorClaim is the RFC 8693 Section 4.1 "act" claim.
type actorClaim struct {
	Subject  string `json:"sub"`
	ClientID string `json:"client_id,omitempty"`
}

// VerifiedClaims is the claim set of a token that passed signature and claim
// checks. Only Verifier creates values of this type.
type VerifiedClaims struct {
	issuer          string
	subject         string
	audience        []string
	authorizedParty string
	actor           string
	scope           scope.Set
	tokenID         string
	issuedAt        time.Time
	expiresAt       time.Time
}

func newVerifiedClaims(c *accessTokenClaims) *VerifiedClaims {
	vc := &VerifiedClaims{
		issuer:          c.Issuer,
		subject:         c.Subject,
		audience:        slices.Clone([]string(c.Audience)),
		authorizedParty: c.AuthorizedParty,
		tokenID:         c.ID,
	}
	if c.Scope != "" {
		vc.scope = scope.Parse(c.Scope)
	} else {
		vc.scope = scope.New(c.Scp...)
	}
	if c.Actor != nil {
		vc.actor = c.Actor.Subject
		if vc.actor == "" {
			vc.actor = c.Actor.ClientID
		}
	}
	if c.IssuedAt != nil {
		vc.issuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		vc.expiresAt = c.ExpiresAt.Time
	}
	return vc
}

// Issuer returns the iss claim.
func (c *VerifiedClaims) Issuer() string { return c.issuer }

// Subject returns the sub claim.
func (c *VerifiedClaims) Subject() string { return c.subject }

// Audience returns a copy of the aud claim.
func (c *VerifiedClaims) Audience() []string { return slices.Clone(c.audience) }

// AuthorizedParty returns the azp claim, the client the token was issued to.
func (c *VerifiedClaims) AuthorizedParty() string { return c.authorizedParty }

// Actor returns the subject of the act claim, if any.
func (c *VerifiedClaims) Actor() string { return c.actor }

// Scope returns the granted scope set.
func (c *VerifiedClaims) Scope() scope.Set { return c.scope }

// TokenID returns the jti claim.
func (c *VerifiedClaims) TokenID() string { return c.tokenID }

// IssuedAt returns the iat claim, zero when absent.
func (c *VerifiedClaims) IssuedAt() time.Time { return c.issuedAt }

// ExpiresAt returns the exp claim.
func (c *VerifiedClaims) ExpiresAt() time.Time { return c.expiresAt }

// Delegated reports whether the token was obtained by a party other than
// its subject, either through an act claim or an azp naming a client.
func (c *VerifiedClaims) Delegated() bool {
	return c.actor != "" || (c.authorizedParty != "" && c.authorizedParty != c.subject)
}

// String omits the subject so claims can be logged at any level.
func (c *VerifiedClaims) String() string {
	return fmt.Sprintf("VerifiedClaims{Issuer: %s, Audience: %v, AuthorizedParty: %s, Scope: %q, ExpiresAt: %s}",
		c.issuer, c.audience, c.authorizedParty, c.scope.String(), c.expiresAt.UTC().Format(time.RFC3339))
}
