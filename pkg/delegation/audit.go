// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package delegation

import (
	"github.com/stacklok/tokenchain/pkg/auth/scope"
)

// ChainIDHeader carries the delegation chain identifier between hops.
const ChainIDHeader = "X-Delegation-Chain-Id"

// LinkRecord is what one exchange asked for and obtained.
type LinkRecord struct {
	From              string    `json:"from"`
	To                string    `json:"to"`
	RequestedAudience string    `json:"requested_audience"`
	RequestedScope    scope.Set `json:"requested_scope"`
	GrantedScope      scope.Set `json:"granted_scope"`
	TokenType         string    `json:"token_type"`
	ExpiresIn         int       `json:"expires_in"`
}

// Audit is the delegation metadata attached to every hop response.
type Audit struct {
	ChainID string `json:"chain_id"`
	Hop     string `json:"hop"`
	// Subject, AuthorizedParty, Audience and Scope describe the token this
	// hop accepted.
	Subject         string       `json:"subject"`
	AuthorizedParty string       `json:"authorized_party,omitempty"`
	Actor           string       `json:"actor,omitempty"`
	Audience        string       `json:"audience"`
	Scope           scope.Set    `json:"scope"`
	Links           []LinkRecord `json:"links"`
}

// Append adds the records reported by a downstream hop after this hop's own.
func (a *Audit) Append(downstream *Audit) {
	if downstream == nil {
		return
	}
	a.Links = append(a.Links, downstream.Links...)
}
