// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package api hosts hops over HTTP.
//
// NewHopServer turns a validated configuration into a running hop: it builds
// the outbound HTTP client, key set resolver, token verifier, exchange client
// and downstream caller, and mounts one hop handler per agent route next to
// the health, version, metrics and protected resource metadata endpoints.
package api
