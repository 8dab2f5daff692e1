// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package networking builds the outbound HTTP clients used to reach the
// identity provider and downstream hops.
package networking

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"syscall"
	"time"
)

// DefaultTimeout bounds every outbound call made with a built client.
const DefaultTimeout = 10 * time.Second

// ErrPrivateAddress is returned when a dial targets a private or loopback
// address and private addresses are not allowed.
var ErrPrivateAddress = errors.New("address references a private IP")

// HTTPClient is the subset of *http.Client used by this module.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

var privateIPBlocks = mustParseCIDRs(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"::1/128",
	"fc00::/7",
	"fe80::/10",
)

func mustParseCIDRs(cidrs ...string) []*net.IPNet {
	blocks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic(fmt.Sprintf("invalid CIDR %q: %v", cidr, err))
		}
		blocks = append(blocks, block)
	}
	return blocks
}

// AddressReferencesPrivateIP reports ErrPrivateAddress when host:port resolves
// to an IP inside a private range.
func AddressReferencesPrivateIP(address string) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", address, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("address %q is not an IP", address)
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return fmt.Errorf("%w: %s", ErrPrivateAddress, host)
		}
	}
	return nil
}

func protectedDialerControl(_, address string, _ syscall.RawConn) error {
	return AddressReferencesPrivateIP(address)
}

// ValidatingTransport rejects requests whose scheme is not allowed before
// they reach the wire.
type ValidatingTransport struct {
	Transport http.RoundTripper
	AllowHTTP bool
}

// RoundTrip validates the request URL and forwards it.
func (t *ValidatingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	switch req.URL.Scheme {
	case "https":
	case "http":
		if !t.AllowHTTP {
			return nil, fmt.Errorf("the URL %s is not HTTPS", req.URL.Redacted())
		}
	default:
		return nil, fmt.Errorf("the URL %s has unsupported scheme %q", req.URL.Redacted(), req.URL.Scheme)
	}
	return t.Transport.RoundTrip(req)
}

// HTTPClientBuilder provides a fluent interface for building HTTP clients.
type HTTPClientBuilder struct {
	clientTimeout         time.Duration
	tlsHandshakeTimeout   time.Duration
	responseHeaderTimeout time.Duration
	caCertPath            string
	allowPrivate          bool
	allowHTTP             bool
	wrap                  func(http.RoundTripper) http.RoundTripper
}

// NewHTTPClientBuilder returns a builder with default timeouts.
func NewHTTPClientBuilder() *HTTPClientBuilder {
	return &HTTPClientBuilder{
		clientTimeout:         DefaultTimeout,
		tlsHandshakeTimeout:   5 * time.Second,
		responseHeaderTimeout: DefaultTimeout,
	}
}

// WithTimeout sets the overall client timeout. Zero keeps the default.
func (b *HTTPClientBuilder) WithTimeout(d time.Duration) *HTTPClientBuilder {
	if d > 0 {
		b.clientTimeout = d
		b.responseHeaderTimeout = d
	}
	return b
}

// WithCABundle sets the CA certificate bundle path.
func (b *HTTPClientBuilder) WithCABundle(path string) *HTTPClientBuilder {
	b.caCertPath = path
	return b
}

// WithPrivateIPs allows connections to private IP addresses.
func (b *HTTPClientBuilder) WithPrivateIPs(allow bool) *HTTPClientBuilder {
	b.allowPrivate = allow
	return b
}

// WithInsecureHTTP allows plain http URLs. Local development only.
func (b *HTTPClientBuilder) WithInsecureHTTP(allow bool) *HTTPClientBuilder {
	b.allowHTTP = allow
	return b
}

// WithTransportWrapper installs an outer RoundTripper, e.g. for tracing.
func (b *HTTPClientBuilder) WithTransportWrapper(wrap func(http.RoundTripper) http.RoundTripper) *HTTPClientBuilder {
	b.wrap = wrap
	return b
}

// Build creates the configured HTTP client.
func (b *HTTPClientBuilder) Build() (*http.Client, error) {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		TLSHandshakeTimeout:   b.tlsHandshakeTimeout,
		ResponseHeaderTimeout: b.responseHeaderTimeout,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}

	if !b.allowPrivate {
		transport.DialContext = (&net.Dialer{
			Timeout: b.clientTimeout,
			Control: protectedDialerControl,
		}).DialContext
	}

	if b.caCertPath != "" {
		caCert, err := os.ReadFile(b.caCertPath) // #nosec G304 - path comes from operator configuration
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate bundle: %w", err)
		}

		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate bundle")
		}
		transport.TLSClientConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			RootCAs:    pool,
		}
	}

	var rt http.RoundTripper = &ValidatingTransport{
		Transport: transport,
		AllowHTTP: b.allowHTTP,
	}
	if b.wrap != nil {
		rt = b.wrap(rt)
	}

	return &http.Client{
		Transport: rt,
		Timeout:   b.clientTimeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}, nil
}
