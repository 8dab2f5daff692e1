// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/tokenchain/pkg/auth/scope"
	chainerr "github.com/stacklok/tokenchain/pkg/errors"
)

// ChallengeError attaches a WWW-Authenticate value to a verification failure.
type ChallengeError struct {
	err    error
	header string
}

// Error implements the error interface.
func (e *ChallengeError) Error() string { return e.err.Error() }

// Unwrap returns the classified error.
func (e *ChallengeError) Unwrap() error { return e.err }

// WWWAuthenticate returns the challenge header value.
func (e *ChallengeError) WWWAuthenticate() string { return e.header }

// Challenger renders Bearer challenges for one protected resource.
type Challenger struct {
	Realm               string
	ResourceMetadataURL string
}

// build returns a Bearer challenge. errCode is empty when no credentials were
// presented (RFC 6750 Section 3.1).
func (c Challenger) build(errCode, description string, required scope.Set) string {
	parts := []string{fmt.Sprintf(`realm="%s"`, EscapeQuotes(c.Realm))}

	if c.ResourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf(`resource_metadata="%s"`, EscapeQuotes(c.ResourceMetadataURL)))
	}
	if errCode != "" {
		parts = append(parts, fmt.Sprintf(`error="%s"`, errCode))
		if description != "" {
			parts = append(parts, fmt.Sprintf(`error_description="%s"`, EscapeQuotes(description)))
		}
	}
	if !required.Empty() {
		parts = append(parts, fmt.Sprintf(`scope="%s"`, EscapeQuotes(required.String())))
	}
	return "Bearer " + strings.Join(parts, ", ")
}

// Unauthenticated returns a 401 error challenging the caller. An empty
// description means no credentials were presented.
func (c Challenger) Unauthenticated(description string, cause error) error {
	errCode := ""
	message := "authentication required"
	if description != "" {
		errCode = "invalid_token"
		message = description
	}
	return &ChallengeError{
		err:    chainerr.NewUnauthenticatedError(message, cause),
		header: c.build(errCode, description, scope.Set{}),
	}
}

// InsufficientScope returns a 403 error naming the missing scopes.
func (c Challenger) InsufficientScope(missing, required scope.Set) error {
	description := "missing required scope: " + missing.String()
	return &ChallengeError{
		err:    chainerr.NewForbiddenError(description, nil),
		header: c.build("insufficient_scope", description, required),
	}
}

// ExtractBearer returns the token from an Authorization header value of the
// form "Bearer <token>". The scheme is case-insensitive.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", fmt.Errorf("authorization header is missing")
	}
	scheme, credentials, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", fmt.Errorf("authorization header must use the Bearer scheme")
	}
	credentials = strings.TrimSpace(credentials)
	if credentials == "" || strings.ContainsAny(credentials, " \t") {
		return "", fmt.Errorf("authorization header carries a malformed bearer token")
	}
	return credentials, nil
}

// EscapeQuotes escapes quotes in a string for use in a quoted-string context.
func EscapeQuotes(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}

// WriteChallenge sets WWW-Authenticate when err carries a challenge.
func WriteChallenge(w http.ResponseWriter, err error) {
	var challenge interface{ WWWAuthenticate() string }
	if errors.As(err, &challenge) {
		w.Header().Set("WWW-Authenticate", challenge.WWWAuthenticate())
	}
}
