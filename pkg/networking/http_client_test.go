// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package networking

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressReferencesPrivateIP(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		address string
		private bool
		invalid bool
	}{
		{"loopback v4", "127.0.0.1:8080", true, false},
		{"rfc1918", "10.1.2.3:443", true, false},
		{"link local", "169.254.169.254:80", true, false},
		{"loopback v6", "[::1]:443", true, false},
		{"public", "8.8.8.8:443", false, false},
		{"missing port", "8.8.8.8", false, true},
		{"hostname", "example.com:443", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := AddressReferencesPrivateIP(tt.address)
			switch {
			case tt.private:
				require.ErrorIs(t, err, ErrPrivateAddress)
			case tt.invalid:
				require.Error(t, err)
				assert.NotErrorIs(t, err, ErrPrivateAddress)
			default:
				require.NoError(t, err)
			}
		})
	}
}

func TestValidatingTransport(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(server.Close)

	t.Run("rejects http by default", func(t *testing.T) {
		t.Parallel()
		client, err := NewHTTPClientBuilder().WithPrivateIPs(true).Build()
		require.NoError(t, err)

		_, err = client.Get(server.URL) //nolint:noctx // test
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not HTTPS")
	})

	t.Run("allows http when enabled", func(t *testing.T) {
		t.Parallel()
		client, err := NewHTTPClientBuilder().WithPrivateIPs(true).WithInsecureHTTP(true).Build()
		require.NoError(t, err)

		resp, err := client.Get(server.URL) //nolint:noctx // test
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("blocks loopback dial", func(t *testing.T) {
		t.Parallel()
		client, err := NewHTTPClientBuilder().WithInsecureHTTP(true).Build()
		require.NoError(t, err)

		_, err = client.Get(server.URL) //nolint:noctx // test
		require.ErrorIs(t, err, ErrPrivateAddress)
	})

	t.Run("rejects unknown scheme", func(t *testing.T) {
		t.Parallel()
		client, err := NewHTTPClientBuilder().Build()
		require.NoError(t, err)

		_, err = client.Get("ftp://example.com/file") //nolint:noctx // test
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported scheme")
	})
}

func TestBuilderOptions(t *testing.T) {
	t.Parallel()

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		client, err := NewHTTPClientBuilder().WithTimeout(3 * time.Second).Build()
		require.NoError(t, err)
		assert.Equal(t, 3*time.Second, client.Timeout)
	})

	t.Run("zero timeout keeps default", func(t *testing.T) {
		t.Parallel()
		client, err := NewHTTPClientBuilder().WithTimeout(0).Build()
		require.NoError(t, err)
		assert.Equal(t, DefaultTimeout, client.Timeout)
	})

	t.Run("missing CA bundle", func(t *testing.T) {
		t.Parallel()
		_, err := NewHTTPClientBuilder().WithCABundle(filepath.Join(t.TempDir(), "missing.pem")).Build()
		require.Error(t, err)
	})

	t.Run("invalid CA bundle", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(path, []byte("not a certificate"), 0o600))
		_, err := NewHTTPClientBuilder().WithCABundle(path).Build()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parse CA certificate bundle")
	})

	t.Run("transport wrapper is applied", func(t *testing.T) {
		t.Parallel()
		called := false
		client, err := NewHTTPClientBuilder().WithTransportWrapper(func(rt http.RoundTripper) http.RoundTripper {
			called = true
			return rt
		}).Build()
		require.NoError(t, err)
		require.NotNil(t, client)
		assert.True(t, called)
	})
}
