// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwks

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/go-jose/go-jose/v4"

	"github.com/stacklok/tokenchain/pkg/networking"
)

const (
	useSignature = "sig"
	algRS256     = "RS256"

	// maxKeySetSize caps a key set document (256KB).
	maxKeySetSize = 256 << 10
)

// Fetcher retrieves a raw key set document.
type Fetcher interface {
	Fetch(ctx context.Context, jwksURL string) ([]byte, error)
}

// RemoteFetcher fetches key sets over HTTP.
type RemoteFetcher struct {
	client networking.HTTPClient
}

// NewRemoteFetcher returns a fetcher using the given client.
func NewRemoteFetcher(client networking.HTTPClient) *RemoteFetcher {
	return &RemoteFetcher{client: client}
}

// Fetch implements Fetcher. Every failure wraps ErrKeySetUnavailable.
func (f *RemoteFetcher) Fetch(ctx context.Context, jwksURL string) ([]byte, error) {
	result, err := networking.FetchJSON[json.RawMessage](ctx, f.client, jwksURL,
		networking.WithMaxResponseSize(maxKeySetSize),
		networking.WithHeader("Accept", "application/jwk-set+json, application/json"),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeySetUnavailable, err)
	}
	return result.Data, nil
}

// keySetDocument decodes keys individually so one unsupported entry does not
// reject the whole set.
type keySetDocument struct {
	Keys []json.RawMessage `json:"keys"`
}

// parseSigningKeys extracts the RS256 signature keys from a key set document,
// indexed by kid.
func parseSigningKeys(doc []byte, logger *slog.Logger) (map[string]*rsa.PublicKey, error) {
	var set keySetDocument
	if err := json.Unmarshal(doc, &set); err != nil {
		return nil, fmt.Errorf("%w: decoding key set: %w", ErrKeySetUnavailable, err)
	}
	if set.Keys == nil {
		return nil, fmt.Errorf("%w: document has no keys member", ErrKeySetUnavailable)
	}

	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, raw := range set.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(raw); err != nil {
			logger.Debug("skipping undecodable key set entry", "error", err)
			continue
		}
		if jwk.KeyID == "" || jwk.Use != useSignature || jwk.Algorithm != algRS256 {
			continue
		}
		pub, ok := jwk.Key.(*rsa.PublicKey)
		if !ok {
			continue
		}
		keys[jwk.KeyID] = pub
	}
	return keys, nil
}
