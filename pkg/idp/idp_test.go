// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package idp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tokenchain/pkg/auth/scope"
	"github.com/stacklok/tokenchain/pkg/testkit"
)

func TestFromRealm(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		base    string
		realm   string
		want    Endpoints
		wantErr bool
	}{
		{
			name:  "keycloak layout",
			base:  "https://sso.example.com/",
			realm: "tokenchain",
			want: Endpoints{
				Issuer:   "https://sso.example.com/realms/tokenchain",
				TokenURL: "https://sso.example.com/realms/tokenchain/protocol/openid-connect/token",
				JWKSURL:  "https://sso.example.com/realms/tokenchain/protocol/openid-connect/certs",
			},
		},
		{
			name:  "base with path",
			base:  "http://localhost:8080/auth",
			realm: "demo",
			want: Endpoints{
				Issuer:   "http://localhost:8080/auth/realms/demo",
				TokenURL: "http://localhost:8080/auth/realms/demo/protocol/openid-connect/token",
				JWKSURL:  "http://localhost:8080/auth/realms/demo/protocol/openid-connect/certs",
			},
		},
		{name: "missing realm", base: "https://sso.example.com", wantErr: true},
		{name: "realm with slash", base: "https://sso.example.com", realm: "a/b", wantErr: true},
		{name: "relative base", base: "sso.example.com", realm: "demo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := FromRealm(tt.base, tt.realm)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDiscoverMatchesRealmLayout(t *testing.T) {
	t.Parallel()
	provider := testkit.NewIdentityProvider(t)

	got, err := Discover(context.Background(), provider.Server.Client(), provider.Issuer())
	require.NoError(t, err)

	want, err := FromRealm(provider.BaseURL(), testkit.Realm)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestDiscoverRejectsForeignEndpoints(t *testing.T) {
	t.Parallel()

	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"issuer":"` + server.URL + `","token_endpoint":"https://attacker.example/token","jwks_uri":"` + server.URL + `/certs"}`))
	}))
	t.Cleanup(server.Close)

	_, err := Discover(context.Background(), server.Client(), server.URL)
	require.ErrorContains(t, err, "not served by issuer origin")
}

func TestDiscoverIssuerMismatch(t *testing.T) {
	t.Parallel()
	provider := testkit.NewIdentityProvider(t)

	_, err := Discover(context.Background(), provider.Server.Client(), provider.BaseURL()+"/realms/"+testkit.Realm+"/")
	require.Error(t, err)
}

func TestPasswordToken(t *testing.T) {
	t.Parallel()
	provider := testkit.NewIdentityProvider(t,
		testkit.WithClient("user-app", "user-app-secret"),
		testkit.WithUser("alice", "wonderland"))
	endpoints, err := FromRealm(provider.BaseURL(), testkit.Realm)
	require.NoError(t, err)

	tok, err := PasswordToken(context.Background(), provider.Server.Client(), endpoints, PasswordGrant{
		ClientID:     "user-app",
		ClientSecret: "user-app-secret",
		Username:     "alice",
		Password:     "wonderland",
		Scope:        scope.Parse("openid tax:process"),
	})
	require.NoError(t, err)
	assert.True(t, tok.Valid())

	claims := testkit.DecodeClaims(t, tok.AccessToken)
	assert.Equal(t, "user-alice", claims["sub"])
	assert.Equal(t, "openid tax:process", claims["scope"])

	_, err = PasswordToken(context.Background(), provider.Server.Client(), endpoints, PasswordGrant{
		ClientID: "user-app", ClientSecret: "user-app-secret", Username: "alice", Password: "wrong",
	})
	require.ErrorContains(t, err, "invalid_grant")

	_, err = PasswordToken(context.Background(), provider.Server.Client(), endpoints, PasswordGrant{Username: "alice"})
	require.Error(t, err)
}
