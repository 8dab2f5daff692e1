// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	neturl "net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stacklok/tokenchain/pkg/auth/tokenexchange"
)

// Error message templates for consistent error formatting
const (
	errFileNotFound     = "file not found or not accessible: %w"
	errInvalidURL       = "invalid URL format: %q"
	errRequiredField    = "%s is required"
	errNonPositiveValue = "%s must be positive"
)

// validateFilePath validates that a file path exists and is accessible.
func validateFilePath(path string) error {
	if _, err := os.Stat(filepath.Clean(path)); err != nil {
		return fmt.Errorf(errFileNotFound, err)
	}
	return nil
}

// validateURL checks that raw is an absolute http(s) URL.
func validateURL(raw string) error {
	u, err := neturl.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf(errInvalidURL, raw)
	}
	return nil
}

// requireTLS rejects plain http unless insecure HTTP is allowed.
func (c *Config) requireTLS(raw string) error {
	if !c.AllowInsecureHTTP && strings.HasPrefix(raw, "http://") {
		return fmt.Errorf("%q uses plain http; allow insecure HTTP for local development", raw)
	}
	return nil
}

// Validate reports every problem that prevents serving the configured hop.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if err := validateURL(c.IssuerBaseURL); err != nil {
		add("issuer base URL: %v", err)
	} else if err := c.requireTLS(c.IssuerBaseURL); err != nil {
		add("issuer base URL: %v", err)
	}
	if c.Realm == "" {
		add(errRequiredField, "realm")
	}
	switch tokenexchange.AuthMethod(c.ClientAuthMethod) {
	case tokenexchange.AuthClientSecretPost, tokenexchange.AuthClientSecretBasic:
	default:
		add("unsupported client auth method %q", c.ClientAuthMethod)
	}
	for _, setting := range []struct {
		name  string
		value time.Duration
	}{
		{"HTTP timeout", c.HTTPTimeout},
		{"key cache TTL", c.KeyCacheTTL},
		{"key refresh interval", c.KeyRefreshInterval},
		{"shutdown timeout", c.ShutdownTimeout},
	} {
		if setting.value <= 0 {
			add(errNonPositiveValue, setting.name)
		}
	}
	if c.CACertPath != "" {
		if err := validateFilePath(c.CACertPath); err != nil {
			add("CA certificate: %v", err)
		}
	}
	if c.ResourceURL != "" {
		if err := validateURL(c.ResourceURL); err != nil {
			add("resource URL: %v", err)
		}
	}
	problems = append(problems, c.validateHop()...)

	if len(problems) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(problems, "\n  - "))
	}
	return nil
}

func (c *Config) validateHop() []string {
	if c.Hop == "" {
		return []string{fmt.Sprintf(errRequiredField, "hop")}
	}
	if c.Chain == nil {
		return []string{"delegation chain is not loaded"}
	}
	h, err := c.Chain.Hop(c.Hop)
	if err != nil {
		return []string{err.Error()}
	}

	var problems []string
	if c.ClientID != h.ClientID {
		problems = append(problems, fmt.Sprintf(
			"client id %q does not match the chain's client id %q for hop %s", c.ClientID, h.ClientID, h.Name))
	}
	if c.ListenAddress == "" {
		problems = append(problems, fmt.Sprintf(errRequiredField, "listen address"))
	}
	if h.Terminal() {
		return problems
	}
	if c.ClientSecret == "" {
		problems = append(problems, fmt.Sprintf("client secret is required for %s to exchange tokens", h.Name))
	}
	if c.NextHopURL == "" {
		problems = append(problems, fmt.Sprintf("next hop URL is required for %s to call %s", h.Name, h.Next.To))
	} else if err := validateURL(c.NextHopURL); err != nil {
		problems = append(problems, "next hop URL: "+err.Error())
	} else if err := c.requireTLS(c.NextHopURL); err != nil {
		problems = append(problems, "next hop URL: "+err.Error())
	}
	return problems
}
