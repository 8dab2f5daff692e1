// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/tokenchain/pkg/logger"
)

// ResourceMetadataPath is the RFC 9728 well-known path.
const ResourceMetadataPath = "/.well-known/oauth-protected-resource"

// ResourceMetadata is the RFC 9728 protected resource metadata document.
type ResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	JWKSURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
}

// NewResourceMetadataHandler serves the metadata for one hop. It returns 404
// when resource is empty since the resource identifier cannot be guessed.
func NewResourceMetadataHandler(resource, issuer, jwksURL string, scopes []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if resource == "" {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		doc := ResourceMetadata{
			Resource:               resource,
			AuthorizationServers:   []string{issuer},
			BearerMethodsSupported: []string{"header"},
			JWKSURI:                jwksURL,
			ScopesSupported:        scopes,
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			logger.Errorw("failed to encode protected resource metadata", "error", err)
		}
	})
}
