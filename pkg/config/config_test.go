// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"maps"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tokenchain/pkg/testkit"
)

// loadWith loads vars on top of a local development environment.
func loadWith(t *testing.T, vars map[string]string, v *viper.Viper) *Config {
	t.Helper()
	environment := map[string]string{"TOKENCHAIN_ALLOW_INSECURE_HTTP": "true"}
	maps.Copy(environment, vars)
	cfg, err := load(v, env.Options{Prefix: EnvPrefix, Environment: environment})
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg := loadWith(t, map[string]string{"TOKENCHAIN_HOP": "calculator"}, nil)

	assert.Equal(t, "http://localhost:8080", cfg.IssuerBaseURL)
	assert.Equal(t, "tokenchain", cfg.Realm)
	assert.Equal(t, "client_secret_post", cfg.ClientAuthMethod)
	assert.Equal(t, "agent-calculator", cfg.ClientID)
	assert.Equal(t, ":8003", cfg.ListenAddress)
	assert.Equal(t, 5*time.Minute, cfg.KeyCacheTTL)
	assert.Equal(t, 10*time.Second, cfg.KeyRefreshInterval)
	assert.True(t, cfg.MetricsEnabled)
	require.NotNil(t, cfg.Chain)
	require.NoError(t, cfg.Validate())
}

func TestFlagsOverrideEnvironment(t *testing.T) {
	t.Parallel()

	v := viper.New()
	v.Set("realm", "flags")
	v.Set("key-cache-ttl", time.Minute)

	cfg := loadWith(t, map[string]string{
		"TOKENCHAIN_HOP":            "calculator",
		"TOKENCHAIN_REALM":          "env",
		"TOKENCHAIN_LISTEN_ADDRESS": ":9999",
	}, v)

	assert.Equal(t, "flags", cfg.Realm)
	assert.Equal(t, time.Minute, cfg.KeyCacheTTL)
	assert.Equal(t, ":9999", cfg.ListenAddress, "unset flags leave the environment alone")
}

func TestClientSecretsMap(t *testing.T) {
	t.Parallel()

	cfg := loadWith(t, map[string]string{
		"TOKENCHAIN_HOP":            "planner",
		"TOKENCHAIN_NEXT_HOP_URL":   "http://localhost:8002/optimize",
		"TOKENCHAIN_CLIENT_SECRETS": "agent-planner=p1,agent-tax-optimizer=o1",
	}, nil)
	assert.Equal(t, "p1", cfg.ClientSecret)
	require.NoError(t, cfg.Validate())

	optimizer := cfg.ForHop("tax-optimizer", ":7002", "http://localhost:7003/api/calculate")
	assert.Equal(t, "agent-tax-optimizer", optimizer.ClientID)
	assert.Equal(t, "o1", optimizer.ClientSecret)
	assert.Equal(t, ":7002", optimizer.ListenAddress)
	assert.Equal(t, "planner", cfg.Hop, "ForHop leaves the receiver unchanged")
	require.NoError(t, optimizer.Validate())
}

func TestLoadChainFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "chain.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
hops:
  - name: calculator
    client_id: calc-service
    required_scope: tax:calculate
`), 0o600))

	cfg := loadWith(t, map[string]string{"TOKENCHAIN_HOP": "calculator", "TOKENCHAIN_CHAIN": path}, nil)
	assert.Equal(t, "calc-service", cfg.ClientID)

	_, err := load(nil, env.Options{Prefix: EnvPrefix, Environment: map[string]string{
		"TOKENCHAIN_CHAIN": filepath.Join(t.TempDir(), "missing.yaml"),
	}})
	require.Error(t, err)
}

func TestLoadRejectsMalformedEnvironment(t *testing.T) {
	t.Parallel()

	_, err := load(nil, env.Options{Prefix: EnvPrefix, Environment: map[string]string{
		"TOKENCHAIN_KEY_CACHE_TTL": "soon",
	}})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		vars    map[string]string
		mutate  func(*Config)
		wantErr []string
	}{
		{
			name:    "missing hop",
			vars:    map[string]string{},
			wantErr: []string{"hop is required"},
		},
		{
			name:    "unknown hop",
			vars:    map[string]string{"TOKENCHAIN_HOP": "auditor"},
			wantErr: []string{"auditor"},
		},
		{
			name: "client id differs from chain",
			vars: map[string]string{"TOKENCHAIN_HOP": "calculator", "TOKENCHAIN_CLIENT_ID": "agent-planner"},
			wantErr: []string{
				`client id "agent-planner" does not match the chain's client id "agent-calculator"`,
			},
		},
		{
			name: "intermediate hop without secret or next URL",
			vars: map[string]string{"TOKENCHAIN_HOP": "tax-optimizer"},
			wantErr: []string{
				"client secret is required for tax-optimizer",
				"next hop URL is required for tax-optimizer to call calculator",
			},
		},
		{
			name: "plain http needs opting in",
			vars: map[string]string{"TOKENCHAIN_HOP": "calculator", "TOKENCHAIN_ALLOW_INSECURE_HTTP": "false"},
			wantErr: []string{
				`"http://localhost:8080" uses plain http`,
			},
		},
		{
			name: "bad values are all reported",
			vars: map[string]string{"TOKENCHAIN_HOP": "calculator"},
			mutate: func(c *Config) {
				c.IssuerBaseURL = "localhost:8080"
				c.ClientAuthMethod = "private_key_jwt"
				c.HTTPTimeout = 0
				c.CACertPath = "/does/not/exist.pem"
			},
			wantErr: []string{
				"issuer base URL",
				`unsupported client auth method "private_key_jwt"`,
				"HTTP timeout must be positive",
				"CA certificate",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := loadWith(t, tt.vars, nil)
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			err := cfg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfig)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestValidateReportsProblemsInOrder(t *testing.T) {
	t.Parallel()

	cfg := loadWith(t, map[string]string{"TOKENCHAIN_HOP": "calculator"}, nil)
	cfg.HTTPTimeout = 0
	cfg.KeyCacheTTL = 0
	cfg.KeyRefreshInterval = 0
	cfg.ShutdownTimeout = 0

	want := "invalid configuration:\n" +
		"  - HTTP timeout must be positive\n" +
		"  - key cache TTL must be positive\n" +
		"  - key refresh interval must be positive\n" +
		"  - shutdown timeout must be positive"
	for range 10 {
		err := cfg.Validate()
		require.ErrorIs(t, err, ErrInvalidConfig)
		assert.Equal(t, want, err.Error())
	}
}

func TestEndpoints(t *testing.T) {
	t.Parallel()

	idp := testkit.NewIdentityProvider(t)

	cfg := loadWith(t, map[string]string{"TOKENCHAIN_ISSUER_BASE_URL": "http://keycloak:8080"}, nil)
	endpoints, err := cfg.Endpoints(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "http://keycloak:8080/realms/tokenchain/protocol/openid-connect/token", endpoints.TokenURL)

	discovered := &Config{IssuerBaseURL: idp.BaseURL(), Realm: testkit.Realm, Discovery: true}
	endpoints, err = discovered.Endpoints(context.Background(), idp.Server.Client())
	require.NoError(t, err)
	assert.Equal(t, idp.Issuer(), endpoints.Issuer)
	assert.Equal(t, idp.TokenURL(), endpoints.TokenURL)
}

func TestStringRedactsSecret(t *testing.T) {
	t.Parallel()

	cfg := loadWith(t, map[string]string{
		"TOKENCHAIN_HOP":           "planner",
		"TOKENCHAIN_CLIENT_SECRET": "hunter2",
	}, nil)
	assert.NotContains(t, cfg.String(), "hunter2")
	assert.Contains(t, cfg.String(), "[REDACTED]")
}
