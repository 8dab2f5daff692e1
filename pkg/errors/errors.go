// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the failure taxonomy of a delegation hop and the
// HTTP status each kind maps to.
package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/stacklok/toolhive-core/httperr"
)

// Error types
const (
	// ErrUnauthenticated covers a missing or garbled credential, a bad
	// signature, an issuer or audience mismatch and an expired token.
	ErrUnauthenticated = "unauthenticated"

	// ErrForbidden is a valid identity lacking the required scope.
	ErrForbidden = "forbidden"

	// ErrVerification is a failure to verify at all, such as an
	// unreachable key set.
	ErrVerification = "verification_error"

	// ErrExchangeDenied is a token exchange refused by the identity provider
	// or rejected locally for widening authority.
	ErrExchangeDenied = "exchange_denied"

	// ErrExchangeUnavailable is an identity provider that could not be reached.
	ErrExchangeUnavailable = "exchange_unavailable"

	// ErrDownstreamUnavailable is a next hop that was unreachable or failed.
	ErrDownstreamUnavailable = "downstream_unavailable"

	// ErrInvalidArgument is a malformed request body.
	ErrInvalidArgument = "invalid_argument"

	// ErrInternal is anything else.
	ErrInternal = "internal"
)

var statusByType = map[string]int{
	ErrUnauthenticated:       http.StatusUnauthorized,
	ErrForbidden:             http.StatusForbidden,
	ErrVerification:          http.StatusInternalServerError,
	ErrExchangeDenied:        http.StatusInternalServerError,
	ErrExchangeUnavailable:   http.StatusBadGateway,
	ErrDownstreamUnavailable: http.StatusBadGateway,
	ErrInvalidArgument:       http.StatusBadRequest,
	ErrInternal:              http.StatusInternalServerError,
}

// Error is a classified failure. Message is safe to return to callers; Cause
// is for logs only.
type Error struct {
	Type    string
	Message string
	Cause   error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError classifies cause and attaches the status of its type.
func NewError(errorType, message string, cause error) error {
	status, ok := statusByType[errorType]
	if !ok {
		errorType, status = ErrInternal, http.StatusInternalServerError
	}
	return httperr.WithCode(&Error{Type: errorType, Message: message, Cause: cause}, status)
}

// NewUnauthenticatedError creates a 401 error.
func NewUnauthenticatedError(message string, cause error) error {
	return NewError(ErrUnauthenticated, message, cause)
}

// NewForbiddenError creates a 403 error.
func NewForbiddenError(message string, cause error) error {
	return NewError(ErrForbidden, message, cause)
}

// NewVerificationError creates a 500 error for verifier faults.
func NewVerificationError(message string, cause error) error {
	return NewError(ErrVerification, message, cause)
}

// NewExchangeDeniedError creates a 500 error for a refused exchange.
func NewExchangeDeniedError(message string, cause error) error {
	return NewError(ErrExchangeDenied, message, cause)
}

// NewExchangeUnavailableError creates a 502 error for an unreachable provider.
func NewExchangeUnavailableError(message string, cause error) error {
	return NewError(ErrExchangeUnavailable, message, cause)
}

// NewDownstreamError creates an error for a failed next-hop call. A non-zero
// status replaces the default 502 so the downstream status can be propagated.
func NewDownstreamError(message string, cause error, status int) error {
	e := &Error{Type: ErrDownstreamUnavailable, Message: message, Cause: cause}
	if status == 0 {
		status = http.StatusBadGateway
	}
	return httperr.WithCode(e, status)
}

// NewInvalidArgumentError creates a 400 error.
func NewInvalidArgumentError(message string, cause error) error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewInternalError creates a 500 error.
func NewInternalError(message string, cause error) error {
	return NewError(ErrInternal, message, cause)
}

// TypeOf returns the type of the outermost classified error in err's chain,
// or ErrInternal when err is unclassified.
func TypeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	return ErrInternal
}

// MessageOf returns the caller-safe message of err.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return http.StatusText(http.StatusInternalServerError)
}

// Code returns the HTTP status for err.
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	return httperr.Code(err)
}

// IsUnauthenticated checks if the error is an unauthenticated error
func IsUnauthenticated(err error) bool {
	return TypeOf(err) == ErrUnauthenticated
}

// IsForbidden checks if the error is a forbidden error
func IsForbidden(err error) bool {
	return TypeOf(err) == ErrForbidden
}

// IsVerification checks if the error is a verification error
func IsVerification(err error) bool {
	return TypeOf(err) == ErrVerification
}

// IsExchangeDenied checks if the error is an exchange denied error
func IsExchangeDenied(err error) bool {
	return TypeOf(err) == ErrExchangeDenied
}

// IsExchangeUnavailable checks if the error is an exchange unavailable error
func IsExchangeUnavailable(err error) bool {
	return TypeOf(err) == ErrExchangeUnavailable
}

// IsDownstreamUnavailable checks if the error is a downstream error
func IsDownstreamUnavailable(err error) bool {
	return TypeOf(err) == ErrDownstreamUnavailable
}

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool {
	return TypeOf(err) == ErrInvalidArgument
}
