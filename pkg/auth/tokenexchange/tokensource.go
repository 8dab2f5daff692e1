// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenexchange

import (
	"context"
	"time"

	"golang.org/x/oauth2"
)

// tokenSource implements oauth2.TokenSource for token exchange.
type tokenSource struct {
	ctx    context.Context
	client *Client
	req    Request
}

// TokenSource returns an oauth2.TokenSource that exchanges req on every call
// to Token. Wrap it with oauth2.ReuseTokenSource only where holding the
// exchanged token beyond one request is acceptable.
func (c *Client) TokenSource(ctx context.Context, req Request) oauth2.TokenSource {
	return &tokenSource{ctx: ctx, client: c, req: req}
}

// Token implements oauth2.TokenSource.
func (ts *tokenSource) Token() (*oauth2.Token, error) {
	result, err := ts.client.Exchange(ts.ctx, ts.req)
	if err != nil {
		return nil, err
	}

	token := &oauth2.Token{
		AccessToken: result.AccessToken,
		TokenType:   result.TokenType,
	}
	if result.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}
	return token.WithExtra(map[string]any{
		"scope":             result.Scope.String(),
		"issued_token_type": result.IssuedTokenType,
	}), nil
}
