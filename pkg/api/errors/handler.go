// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors provides HTTP error handling utilities for hop endpoints.
package errors

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/tokenchain/pkg/auth/token"
	chainerr "github.com/stacklok/tokenchain/pkg/errors"
	"github.com/stacklok/tokenchain/pkg/logger"
)

// Body is the JSON error response.
type Body struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// HandlerWithError is an HTTP handler that can return an error.
// This signature allows handlers to return errors instead of manually
// writing error responses, enabling centralized error handling.
type HandlerWithError func(http.ResponseWriter, *http.Request) error

// ErrorHandler wraps a HandlerWithError and converts returned errors
// into appropriate HTTP responses.
//
// The decorator:
//   - Returns early if no error is returned (handler already wrote response)
//   - Extracts HTTP status code from the error using errors.Code()
//   - Sets WWW-Authenticate when the error carries a Bearer challenge
//   - Logs the full error for 5xx and only the caller-safe message otherwise
//   - Writes a JSON Body holding the error type and its caller-safe message
//
// Usage:
//
//	r.Post("/optimize", apierrors.ErrorHandler(handler.Serve))
func ErrorHandler(fn HandlerWithError) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			Write(w, r, err)
		}
	}
}

// Write renders err as a JSON error response. The cause chain is logged and
// never written to the client.
func Write(w http.ResponseWriter, r *http.Request, err error) {
	code := chainerr.Code(err)
	body := Body{Error: chainerr.TypeOf(err), Detail: chainerr.MessageOf(err)}

	if code >= http.StatusInternalServerError {
		logger.Errorw("request failed",
			"method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	} else {
		logger.Infow("request rejected",
			"method", r.Method, "path", r.URL.Path, "status", code, "detail", body.Detail)
	}

	token.WriteChallenge(w, err)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
