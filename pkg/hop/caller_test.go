// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package hop_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/stacklok/tokenchain/pkg/api/errors"
	"github.com/stacklok/tokenchain/pkg/delegation"
	chainerr "github.com/stacklok/tokenchain/pkg/errors"
	"github.com/stacklok/tokenchain/pkg/hop"
)

func TestHTTPCallerSendsExchangedToken(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer exchanged-token", r.Header.Get("Authorization"))
		assert.Equal(t, "chain-1", r.Header.Get(delegation.ChainIDHeader))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"income":1000}`, string(body))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(hop.Envelope{
			Hop:        "tax-optimizer",
			Result:     json.RawMessage(`{"ok":true}`),
			Delegation: &delegation.Audit{ChainID: "chain-1", Links: []delegation.LinkRecord{}},
		})
	}))
	t.Cleanup(server.Close)

	caller := hop.NewHTTPCaller(server.Client(), quietLogger())
	env, err := caller.Call(context.Background(), hop.CallRequest{
		Hop:     "tax-optimizer",
		URL:     server.URL,
		Token:   "exchanged-token",
		ChainID: "chain-1",
		Body:    map[string]int{"income": 1000},
	})
	require.NoError(t, err)
	assert.Equal(t, "tax-optimizer", env.Hop)
	assert.JSONEq(t, `{"ok":true}`, string(env.Result))
}

func TestHTTPCallerEmptyBody(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "{}", string(body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"hop":"calculator","result":{},"delegation":{"chain_id":"c","links":[]}}`))
	}))
	t.Cleanup(server.Close)

	_, err := hop.NewHTTPCaller(server.Client(), quietLogger()).
		Call(context.Background(), hop.CallRequest{Hop: "calculator", URL: server.URL, Token: "t"})
	require.NoError(t, err)
}

func TestHTTPCallerFailures(t *testing.T) {
	t.Parallel()

	jsonError := func(status int, code, detail string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_ = json.NewEncoder(w).Encode(apierrors.Body{Error: code, Detail: detail})
		}
	}

	tests := []struct {
		name       string
		handler    http.HandlerFunc
		wantStatus int
		wantDetail string
	}{
		{
			name:       "validation failure is propagated",
			handler:    jsonError(http.StatusUnprocessableEntity, chainerr.ErrInvalidArgument, "income is required"),
			wantStatus: http.StatusUnprocessableEntity,
			wantDetail: "calculator rejected the request: income is required",
		},
		{
			name:       "rate limit is propagated",
			handler:    jsonError(http.StatusTooManyRequests, "rate_limited", "slow down"),
			wantStatus: http.StatusTooManyRequests,
			wantDetail: "slow down",
		},
		{
			name:       "downstream authentication failure is a bad gateway",
			handler:    jsonError(http.StatusUnauthorized, chainerr.ErrUnauthenticated, "token is not addressed to this service"),
			wantStatus: http.StatusBadGateway,
			wantDetail: "calculator failed with status 401",
		},
		{
			name:       "downstream scope failure is a bad gateway",
			handler:    jsonError(http.StatusForbidden, chainerr.ErrForbidden, "missing required scope: tax:calculate"),
			wantStatus: http.StatusBadGateway,
			wantDetail: "calculator failed with status 403",
		},
		{
			name: "plain server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			wantStatus: http.StatusBadGateway,
			wantDetail: "calculator failed with status 500",
		},
		{
			name: "response without delegation record",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"hop":"calculator","result":{}}`))
			},
			wantStatus: http.StatusBadGateway,
			wantDetail: "returned no delegation record",
		},
		{
			name: "non JSON success",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				_, _ = w.Write([]byte("<html></html>"))
			},
			wantStatus: http.StatusBadGateway,
			wantDetail: "unusable response",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(tt.handler)
			t.Cleanup(server.Close)

			_, err := hop.NewHTTPCaller(server.Client(), quietLogger()).
				Call(context.Background(), hop.CallRequest{Hop: "calculator", URL: server.URL, Token: "secret-token"})
			require.Error(t, err)
			assert.True(t, chainerr.IsDownstreamUnavailable(err))
			assert.Equal(t, tt.wantStatus, chainerr.Code(err))
			assert.Contains(t, chainerr.MessageOf(err), tt.wantDetail)
			assert.NotContains(t, err.Error(), "secret-token")
		})
	}
}

func TestHTTPCallerUnreachable(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := hop.NewHTTPCaller(nil, quietLogger()).
		Call(context.Background(), hop.CallRequest{Hop: "calculator", URL: url, Token: "t"})
	require.Error(t, err)
	assert.True(t, chainerr.IsDownstreamUnavailable(err))
	assert.Equal(t, http.StatusBadGateway, chainerr.Code(err))
	assert.Equal(t, "calculator is unreachable", chainerr.MessageOf(err))
}
