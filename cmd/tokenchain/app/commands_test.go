// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/tokenchain/pkg/config"
	"github.com/stacklok/tokenchain/pkg/delegation"
	"github.com/stacklok/tokenchain/pkg/versions"
)

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := newVersionCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--json"})
	require.NoError(t, cmd.Execute())

	var info versions.VersionInfo
	require.NoError(t, json.Unmarshal(out.Bytes(), &info))
	assert.Equal(t, versions.GetVersionInfo(), info)
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	t.Parallel()

	root := NewRootCmd()
	for _, name := range []string{"serve", "serve-all", "token", "validate", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
	assert.NotNil(t, root.PersistentFlags().Lookup("chain"))
}

func TestHopLayout(t *testing.T) {
	t.Parallel()

	layout, err := hopLayout(&config.Config{Chain: delegation.Default()}, "127.0.0.1")
	require.NoError(t, err)

	assert.Equal(t, [2]string{"127.0.0.1:8001", "http://127.0.0.1:8002/optimize"}, layout["planner"])
	assert.Equal(t, [2]string{"127.0.0.1:8002", "http://127.0.0.1:8003/api/calculate"}, layout["tax-optimizer"])
	assert.Equal(t, [2]string{"127.0.0.1:8003", ""}, layout["calculator"])
	assert.Equal(t, [2]string{"127.0.0.1:8004", ""}, layout["tax-api"])
}

func TestCommandFlagsReachConfiguration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		command string
		args    []string
		check   func(t *testing.T, cfg *config.Config)
	}{
		{
			name:    "serve flags override defaults",
			command: "serve",
			args: []string{
				"--hop", "calculator",
				"--issuer-base-url", "https://idp.example",
				"--redis-address", "redis:6379",
				"--key-cache-ttl", "2m",
				"--client-auth-method", "client_secret_basic",
			},
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Equal(t, "calculator", cfg.Hop)
				assert.Equal(t, "https://idp.example", cfg.IssuerBaseURL)
				assert.Equal(t, "redis:6379", cfg.RedisAddress)
				assert.Equal(t, 2*time.Minute, cfg.KeyCacheTTL)
				assert.Equal(t, "client_secret_basic", cfg.ClientAuthMethod)
				assert.Equal(t, "agent-calculator", cfg.ClientID)
			},
		},
		{
			name:    "serve keeps defaults for unset flags",
			command: "serve",
			args:    []string{"--hop", "planner"},
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Equal(t, "planner", cfg.Hop)
				assert.Equal(t, "http://localhost:8080", cfg.IssuerBaseURL)
				assert.True(t, cfg.MetricsEnabled)
				assert.True(t, cfg.AllowPrivateIP)
			},
		},
		{
			name:    "serve-all flags",
			command: "serve-all",
			args:    []string{"--realm", "finance", "--host", "0.0.0.0", "--metrics=false"},
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Equal(t, "finance", cfg.Realm)
				assert.False(t, cfg.MetricsEnabled)
			},
		},
		{
			name:    "validate hop flag",
			command: "validate",
			args:    []string{"--hop", "tax-api"},
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Equal(t, "tax-api", cfg.Hop)
			},
		},
		{
			name:    "token client id is the user's client",
			command: "token",
			args:    []string{"--client-id", "other-app", "--realm", "finance"},
			check: func(t *testing.T, cfg *config.Config) {
				t.Helper()
				assert.Empty(t, cfg.ClientID)
				assert.Equal(t, "finance", cfg.Realm)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			root := NewRootCmd()
			cmd, _, err := root.Find([]string{tt.command})
			require.NoError(t, err)
			require.NoError(t, cmd.ParseFlags(tt.args))

			skip := map[string][]string{
				"serve-all": serveAllLocalFlags,
				"token":     tokenLocalFlags,
			}[tt.command]
			cfg, err := loadConfig(cmd, skip...)
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestValidateCommandPrintsPaths(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := newValidateCmd()
	cmd.SetOut(&out)
	require.NoError(t, runValidate(cmd))

	assert.Contains(t, out.String(),
		"planner (agent-planner, requires tax:process) -> tax-optimizer (agent-tax-optimizer, requires tax:process) -> calculator (agent-calculator, requires tax:calculate)")
	assert.Contains(t, out.String(), "tax-api (tax-api, requires tax:calculate)")

	rows := map[string]string{}
	for _, line := range strings.Split(out.String(), "\n") {
		fields := strings.FieldsFunc(line, func(r rune) bool { return r == '|' || r == '│' })
		if len(fields) < 7 {
			continue
		}
		rows[strings.TrimSpace(fields[0])] = strings.TrimSpace(fields[len(fields)-1])
	}
	assert.Equal(t, "subject", rows["planner"])
	assert.Equal(t, "policy", rows["tax-optimizer"])
	assert.Equal(t, "-", rows["calculator"])
	assert.Contains(t, out.String(), "configuration is valid")
}

func TestTokenCommand(t *testing.T) { //nolint:paralleltest // Sets environment variables
	var got url.Values
	idp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		got = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"user-token","token_type":"Bearer","expires_in":300,"scope":"openid tax:process"}`))
	}))
	t.Cleanup(idp.Close)

	t.Setenv("TOKENCHAIN_ISSUER_BASE_URL", idp.URL)
	t.Setenv("TOKENCHAIN_ALLOW_INSECURE_HTTP", "true")
	t.Setenv(userPasswordEnvVar, "correct horse")

	cmd := newTokenCmd()
	cmd.SetContext(context.Background())

	var out bytes.Buffer
	err := runToken(cmd, &tokenFlags{
		username:   "alice",
		clientID:   defaultUserClientID,
		scope:      defaultUserScope,
		jsonOutput: true,
	}, &out)
	require.NoError(t, err)

	assert.Equal(t, "password", got.Get("grant_type"))
	assert.Equal(t, "alice", got.Get("username"))
	assert.Equal(t, "correct horse", got.Get("password"))
	assert.Equal(t, defaultUserClientID, got.Get("client_id"))

	var printed tokenOutput
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Equal(t, "user-token", printed.AccessToken)
	assert.Equal(t, "openid tax:process", printed.Scope)

	err = runToken(cmd, &tokenFlags{}, &out)
	require.ErrorContains(t, err, "--username is required")
}
