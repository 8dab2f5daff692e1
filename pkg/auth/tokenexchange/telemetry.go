// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenexchange

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	chainerr "github.com/stacklok/tokenchain/pkg/errors"
)

const instrumentationName = "github.com/stacklok/tokenchain/pkg/auth/tokenexchange"

type instruments struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments() (*instruments, error) {
	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("tokenchain.exchange.requests",
		metric.WithDescription("Token exchange attempts by target audience and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange counter: %w", err)
	}
	duration, err := meter.Float64Histogram("tokenchain.exchange.duration",
		metric.WithDescription("Token exchange latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create exchange histogram: %w", err)
	}
	return &instruments{requests: requests, duration: duration}, nil
}

func (m *instruments) record(ctx context.Context, audience string, err error, elapsed time.Duration) {
	outcome := "granted"
	if err != nil {
		outcome = chainerr.TypeOf(err)
	}
	attrs := metric.WithAttributes(
		attribute.String("audience", audience),
		attribute.String("outcome", outcome),
	)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func startSpan(ctx context.Context, req Request) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "tokenexchange.Exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tokenchain.exchange.audience", req.Audience),
			attribute.String("tokenchain.exchange.scope", req.Scope.String()),
		))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, chainerr.TypeOf(err))
		span.SetAttributes(attribute.String("tokenchain.error.type", chainerr.TypeOf(err)))
	}
}
