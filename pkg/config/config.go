// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config builds the immutable configuration of a tokenchain process.
//
// Values are layered, lowest precedence first: built-in defaults from the
// agent catalog, the chain policy file, TOKENCHAIN_* environment variables,
// and command line flags bound in viper. The result is constructed once at
// startup and passed by pointer into constructors; nothing mutates it after
// Load returns.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"

	"github.com/stacklok/tokenchain/pkg/agents"
	"github.com/stacklok/tokenchain/pkg/delegation"
	"github.com/stacklok/tokenchain/pkg/idp"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "TOKENCHAIN_"

// ErrInvalidConfig is returned when the configuration cannot run a hop.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the configuration of one process.
type Config struct {
	// Hop is the name of the hop this process serves.
	Hop string `env:"HOP"`
	// ChainPath optionally points at a YAML chain policy.
	ChainPath string `env:"CHAIN"`

	IssuerBaseURL string `env:"ISSUER_BASE_URL" envDefault:"http://localhost:8080"`
	Realm         string `env:"REALM" envDefault:"tokenchain"`
	// Discovery resolves the endpoints from the realm's OpenID configuration
	// instead of the Keycloak layout.
	Discovery bool `env:"DISCOVERY"`

	ClientID         string `env:"CLIENT_ID"`
	ClientSecret     string `env:"CLIENT_SECRET"`
	ClientAuthMethod string `env:"CLIENT_AUTH_METHOD" envDefault:"client_secret_post"`
	// ClientSecrets holds per-client secrets for serve-all, keyed by client id.
	ClientSecrets map[string]string `env:"CLIENT_SECRETS" envSeparator:"," envKeyValSeparator:"="`

	ListenAddress string `env:"LISTEN_ADDRESS"`
	NextHopURL    string `env:"NEXT_HOP_URL"`
	// ResourceURL is advertised in protected resource metadata.
	ResourceURL string `env:"RESOURCE_URL"`

	CACertPath        string        `env:"CA_CERT_PATH"`
	AllowPrivateIP    bool          `env:"ALLOW_PRIVATE_IP" envDefault:"true"`
	AllowInsecureHTTP bool          `env:"ALLOW_INSECURE_HTTP"`
	HTTPTimeout       time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`

	KeyCacheTTL        time.Duration `env:"KEY_CACHE_TTL" envDefault:"5m"`
	KeyRefreshInterval time.Duration `env:"KEY_REFRESH_INTERVAL" envDefault:"10s"`
	// RedisAddress enables the shared key set store when set.
	RedisAddress  string `env:"REDIS_ADDRESS"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	OTLPEndpoint   string `env:"OTLP_ENDPOINT"`
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`

	// Chain is the validated delegation policy.
	Chain *delegation.Chain `env:"-"`
}

// flag keys bound in viper, applied over the environment when set.
var flagSetters = map[string]func(c *Config, v *viper.Viper){
	"hop":                 func(c *Config, v *viper.Viper) { c.Hop = v.GetString("hop") },
	"chain":               func(c *Config, v *viper.Viper) { c.ChainPath = v.GetString("chain") },
	"issuer-base-url":     func(c *Config, v *viper.Viper) { c.IssuerBaseURL = v.GetString("issuer-base-url") },
	"realm":               func(c *Config, v *viper.Viper) { c.Realm = v.GetString("realm") },
	"discovery":           func(c *Config, v *viper.Viper) { c.Discovery = v.GetBool("discovery") },
	"client-id":           func(c *Config, v *viper.Viper) { c.ClientID = v.GetString("client-id") },
	"client-auth-method":  func(c *Config, v *viper.Viper) { c.ClientAuthMethod = v.GetString("client-auth-method") },
	"listen-address":      func(c *Config, v *viper.Viper) { c.ListenAddress = v.GetString("listen-address") },
	"next-hop-url":        func(c *Config, v *viper.Viper) { c.NextHopURL = v.GetString("next-hop-url") },
	"resource-url":        func(c *Config, v *viper.Viper) { c.ResourceURL = v.GetString("resource-url") },
	"ca-cert":             func(c *Config, v *viper.Viper) { c.CACertPath = v.GetString("ca-cert") },
	"allow-private-ip":    func(c *Config, v *viper.Viper) { c.AllowPrivateIP = v.GetBool("allow-private-ip") },
	"allow-insecure-http": func(c *Config, v *viper.Viper) { c.AllowInsecureHTTP = v.GetBool("allow-insecure-http") },
	"http-timeout":        func(c *Config, v *viper.Viper) { c.HTTPTimeout = v.GetDuration("http-timeout") },
	"key-cache-ttl":       func(c *Config, v *viper.Viper) { c.KeyCacheTTL = v.GetDuration("key-cache-ttl") },
	"redis-address":       func(c *Config, v *viper.Viper) { c.RedisAddress = v.GetString("redis-address") },
	"otlp-endpoint":       func(c *Config, v *viper.Viper) { c.OTLPEndpoint = v.GetString("otlp-endpoint") },
	"metrics":             func(c *Config, v *viper.Viper) { c.MetricsEnabled = v.GetBool("metrics") },
}

// Load builds the configuration from the environment and v. A nil v skips
// flags. The client secret is read from the environment only.
func Load(v *viper.Viper) (*Config, error) {
	return load(v, env.Options{Prefix: EnvPrefix})
}

func load(v *viper.Viper, opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if v != nil {
		for key, set := range flagSetters {
			if v.IsSet(key) {
				set(cfg, v)
			}
		}
	}

	chain := delegation.Default()
	if cfg.ChainPath != "" {
		loaded, err := delegation.Load(cfg.ChainPath)
		if err != nil {
			return nil, err
		}
		chain = loaded
	}
	cfg.Chain = chain
	cfg.applyHopDefaults()
	return cfg, nil
}

// applyHopDefaults fills identity and address from the chain and catalog.
func (c *Config) applyHopDefaults() {
	if c.Hop == "" {
		return
	}
	if h, err := c.Chain.Hop(c.Hop); err == nil && c.ClientID == "" {
		c.ClientID = h.ClientID
	}
	if c.ClientSecret == "" && c.ClientID != "" {
		c.ClientSecret = c.ClientSecrets[c.ClientID]
	}
	if a, err := agents.ServiceFor(c.Hop); err == nil && c.ListenAddress == "" {
		c.ListenAddress = fmt.Sprintf(":%d", a.DefaultPort)
	}
}

// ForHop derives the configuration of another hop in the same process, as
// serve-all does. The receiver is left unchanged.
func (c *Config) ForHop(name, listenAddress, nextHopURL string) *Config {
	derived := *c
	derived.Hop = name
	derived.ClientID = ""
	derived.ClientSecret = ""
	derived.ListenAddress = listenAddress
	derived.NextHopURL = nextHopURL
	derived.ResourceURL = ""
	derived.applyHopDefaults()
	return &derived
}

// HopPolicy returns the chain entry of the served hop.
func (c *Config) HopPolicy() (*delegation.Hop, error) {
	return c.Chain.Hop(c.Hop)
}

// Endpoints resolves the identity provider endpoints, by discovery when
// enabled.
func (c *Config) Endpoints(ctx context.Context, client *http.Client) (idp.Endpoints, error) {
	realm, err := idp.FromRealm(c.IssuerBaseURL, c.Realm)
	if err != nil {
		return idp.Endpoints{}, err
	}
	if !c.Discovery {
		return realm, nil
	}
	return idp.Discover(ctx, client, realm.Issuer)
}

// String implements fmt.Stringer, redacting secrets.
func (c *Config) String() string {
	secret := "<empty>"
	if c.ClientSecret != "" {
		secret = "[REDACTED]"
	}
	return fmt.Sprintf("Config{Hop: %s, ClientID: %s, ClientSecret: %s, Issuer: %s/realms/%s, Listen: %s, Next: %s, Discovery: %t, KeyCacheTTL: %s, Redis: %t}",
		c.Hop, c.ClientID, secret, c.IssuerBaseURL, c.Realm, c.ListenAddress, c.NextHopURL,
		c.Discovery, c.KeyCacheTTL, c.RedisAddress != "")
}
