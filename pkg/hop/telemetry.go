// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package hop

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

const instrumentationName = "github.com/stacklok/tokenchain/pkg/hop"

type instruments struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

func newInstruments() (*instruments, error) {
	meter := otel.Meter(instrumentationName)
	requests, err := meter.Int64Counter("tokenchain.hop.requests",
		metric.WithDescription("Hop requests by hop and outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create hop counter: %w", err)
	}
	duration, err := meter.Float64Histogram("tokenchain.hop.duration",
		metric.WithDescription("Hop request latency including downstream hops"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create hop histogram: %w", err)
	}
	return &instruments{requests: requests, duration: duration}, nil
}

func (m *instruments) record(ctx context.Context, hop string, err error, elapsed time.Duration) {
	outcome := "ok"
	if err != nil {
		outcome = chainerr.TypeOf(err)
	}
	attrs := metric.WithAttributes(
		attribute.String("hop", hop),
		attribute.String("outcome", outcome),
	)
	m.requests.Add(ctx, 1, attrs)
	m.duration.Record(ctx, elapsed.Seconds(), attrs)
}

func startSpan(ctx context.Context, hop string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "hop.Serve",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("tokenchain.hop", hop)))
}

func startCallSpan(ctx context.Context, next string) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "hop.Call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("tokenchain.hop.next", next)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.SetStatus(codes.Error, chainerr.TypeOf(err))
		span.SetAttributes(attribute.String("tokenchain.error.type", chainerr.TypeOf(err)))
	}
}
