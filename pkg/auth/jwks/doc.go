// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package jwks resolves RSA signing keys from an issuer's published JSON Web
// Key Set.
//
// Keys are selected by kid and must be marked use=sig with alg=RS256. Resolved
// keys are held in a copy-on-write snapshot keyed by (issuer, kid). A miss or
// an expired snapshot triggers a refetch. Concurrent refetches are not
// coalesced; the last one to finish wins and duplicate fetches are harmless.
package jwks
