// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package jwks

import "errors"

var (
	// ErrKeyNotFound means the key set holds no RS256 signing key with the
	// requested kid.
	ErrKeyNotFound = errors.New("signing key not found")

	// ErrKeySetUnavailable means the key set could not be fetched or parsed.
	ErrKeySetUnavailable = errors.New("key set unavailable")

	// ErrUnknownIssuer means the resolver has no key set URL for the issuer.
	ErrUnknownIssuer = errors.New("issuer not registered")
)
