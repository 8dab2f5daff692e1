// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package hop

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	apierrors "github.com/stacklok/tokenchain/pkg/api/errors"
	"github.com/stacklok/tokenchain/pkg/delegation"
	chainerr "github.com/stacklok/tokenchain/pkg/errors"
	"github.com/stacklok/tokenchain/pkg/logger"
	"github.com/stacklok/tokenchain/pkg/networking"
)

// maxResponseBodySize bounds downstream response bodies (1 MB).
const maxResponseBodySize = 1 << 20

// CallRequest is one outbound call to the next hop.
type CallRequest struct {
	// Hop names the next hop for logs and errors.
	Hop     string
	URL     string
	Token   string
	ChainID string
	// Body is JSON encoded. Nil sends an empty object.
	Body any
}

// String implements fmt.Stringer, redacting the token.
func (r CallRequest) String() string {
	return fmt.Sprintf("CallRequest{Hop: %s, URL: %s, ChainID: %s, Token: [REDACTED]}", r.Hop, r.URL, r.ChainID)
}

// DownstreamError is a next hop's JSON error response.
type DownstreamError struct {
	StatusCode int
	Body       apierrors.Body
}

// Error implements the error interface.
func (e *DownstreamError) Error() string {
	return fmt.Sprintf("next hop returned status %d: %s: %s", e.StatusCode, e.Body.Error, e.Body.Detail)
}

// propagated lists the downstream statuses passed through unchanged. They
// describe the caller's request, which this hop forwarded. Authentication
// failures and server errors downstream are this hop's fault toward its own
// caller and become 502.
var propagated = map[int]bool{
	http.StatusBadRequest:            true,
	http.StatusNotFound:              true,
	http.StatusConflict:              true,
	http.StatusRequestEntityTooLarge: true,
	http.StatusUnprocessableEntity:   true,
	http.StatusTooManyRequests:       true,
}

// HTTPCaller calls the next hop over HTTP.
type HTTPCaller struct {
	client networking.HTTPClient
	logger *slog.Logger
}

// NewHTTPCaller returns a caller using client.
func NewHTTPCaller(client networking.HTTPClient, log *slog.Logger) *HTTPCaller {
	if client == nil {
		client = &http.Client{Timeout: networking.DefaultTimeout}
	}
	if log == nil {
		log = logger.For("hop")
	}
	return &HTTPCaller{client: client, logger: log}
}

// Call POSTs req.Body to req.URL with req.Token as bearer credential.
func (c *HTTPCaller) Call(ctx context.Context, req CallRequest) (*Envelope, error) {
	ctx, span := startCallSpan(ctx, req.Hop)
	defer span.End()

	env, err := c.call(ctx, req)
	endSpan(span, err)
	return env, err
}

func (c *HTTPCaller) call(ctx context.Context, req CallRequest) (*Envelope, error) {
	payload := []byte("{}")
	if req.Body != nil {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, chainerr.NewInternalError("failed to encode request for "+req.Hop, err)
		}
		payload = encoded
	}

	opts := []networking.FetchOption{
		networking.WithMethod(http.MethodPost),
		networking.WithHeader("Content-Type", networking.ContentTypeJSON),
		networking.WithHeader("Authorization", "Bearer "+req.Token),
		networking.WithBody(bytes.NewReader(payload)),
		networking.WithMaxResponseSize(maxResponseBodySize),
		networking.WithErrorHandler(parseDownstreamError),
	}
	if req.ChainID != "" {
		opts = append(opts, networking.WithHeader(delegation.ChainIDHeader, req.ChainID))
	}
	carrier := propagation.HeaderCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	for _, key := range carrier.Keys() {
		opts = append(opts, networking.WithHeader(key, carrier.Get(key)))
	}

	c.logger.Debug("calling next hop", "request", req.String())
	fetched, err := networking.FetchJSON[Envelope](ctx, c.client, req.URL, opts...)
	if err != nil {
		return nil, c.classify(req, err)
	}
	if fetched.Data.Delegation == nil {
		return nil, chainerr.NewDownstreamError(req.Hop+" returned no delegation record", nil, 0)
	}
	return &fetched.Data, nil
}

func parseDownstreamError(resp *http.Response, body []byte) error {
	var parsed apierrors.Body
	if err := json.Unmarshal(body, &parsed); err != nil || parsed.Error == "" {
		return nil
	}
	return &DownstreamError{StatusCode: resp.StatusCode, Body: parsed}
}

func (c *HTTPCaller) classify(req CallRequest, err error) error {
	var downstream *DownstreamError
	var httpErr *networking.HTTPError
	switch {
	case errors.As(err, &downstream):
		if propagated[downstream.StatusCode] {
			c.logger.Info("next hop rejected the request",
				"next", req.Hop, "status", downstream.StatusCode, "error", downstream.Body.Error)
			return chainerr.NewDownstreamError(
				fmt.Sprintf("%s rejected the request: %s", req.Hop, downstream.Body.Detail), err, downstream.StatusCode)
		}
		c.logger.Warn("next hop failed",
			"next", req.Hop, "status", downstream.StatusCode, "error", downstream.Body.Error)
		return chainerr.NewDownstreamError(
			fmt.Sprintf("%s failed with status %d", req.Hop, downstream.StatusCode), err, 0)
	case errors.As(err, &httpErr):
		c.logger.Warn("next hop failed", "next", req.Hop, "status", httpErr.StatusCode)
		status := 0
		if propagated[httpErr.StatusCode] {
			status = httpErr.StatusCode
		}
		return chainerr.NewDownstreamError(
			fmt.Sprintf("%s failed with status %d", req.Hop, httpErr.StatusCode), err, status)
	case errors.Is(err, networking.ErrTransport):
		c.logger.Error("next hop unreachable", "next", req.Hop, "error", err)
		return chainerr.NewDownstreamError(req.Hop+" is unreachable", err, 0)
	default:
		c.logger.Warn("next hop returned an unusable response", "next", req.Hop, "error", err)
		return chainerr.NewDownstreamError(req.Hop+" returned an unusable response", err, 0)
	}
}
