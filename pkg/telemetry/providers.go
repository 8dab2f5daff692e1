// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry builds the OpenTelemetry providers of a tokenchain
// process: an OTLP trace exporter when an endpoint is configured and a
// Prometheus backed meter provider serving /metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/stacklok/tokenchain/pkg/logger"
)

// Config holds the telemetry configuration.
type Config struct {
	ServiceName    string // ServiceName identifies the service for telemetry data
	ServiceVersion string // ServiceVersion identifies the service version for telemetry data

	OTLPEndpoint string  // OTLPEndpoint is the collector host:port, e.g. "localhost:4318"
	Insecure     bool    // Insecure disables TLS towards the collector
	SamplingRate float64 // SamplingRate controls trace sampling (0.0 to 1.0)

	MetricsEnabled        bool // MetricsEnabled serves Prometheus metrics
	IncludeRuntimeMetrics bool // IncludeRuntimeMetrics adds Go and process collectors
}

// Providers bundles the tracer and meter providers of a process.
type Providers struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	metricsHandler http.Handler
	shutdownFuncs  []func(context.Context) error
}

// NewReader creates a Prometheus metric reader on a private registry and the
// handler exposing it.
func NewReader(includeRuntimeMetrics bool) (sdkmetric.Reader, http.Handler, error) {
	registry := prometheus.NewRegistry()
	if includeRuntimeMetrics {
		if err := registry.Register(collectors.NewGoCollector()); err != nil {
			return nil, nil, fmt.Errorf("failed to register go collector: %w", err)
		}
		if err := registry.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
			return nil, nil, fmt.Errorf("failed to register process collector: %w", err)
		}
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorHandling: promhttp.ContinueOnError,
	})
	return exporter, handler, nil
}

// NewProviders creates the providers described by config.
func NewProviders(ctx context.Context, config Config) (*Providers, error) {
	if config.ServiceName == "" {
		return nil, errors.New("service name cannot be empty")
	}
	if config.SamplingRate < 0 || config.SamplingRate > 1 {
		return nil, fmt.Errorf("sampling rate %v must be between 0 and 1", config.SamplingRate)
	}

	p := &Providers{
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  noop.NewMeterProvider(),
	}
	if config.OTLPEndpoint == "" && !config.MetricsEnabled {
		logger.Infow("no telemetry configured, using no-op providers")
		return p, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource with service name '%s' and version '%s': %w",
			config.ServiceName, config.ServiceVersion, err)
	}

	if config.MetricsEnabled {
		reader, handler, err := NewReader(config.IncludeRuntimeMetrics)
		if err != nil {
			return nil, err
		}
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
		p.meterProvider = mp
		p.metricsHandler = handler
		p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	}

	if config.OTLPEndpoint != "" {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.OTLPEndpoint)}
		if config.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(config.SamplingRate))),
		)
		p.tracerProvider = tp
		p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
	}

	logger.Infow("telemetry providers created",
		"otlp_endpoint", config.OTLPEndpoint, "metrics", config.MetricsEnabled)
	return p, nil
}

// Install makes the providers global and sets the W3C trace context
// propagator used between hops.
func (p *Providers) Install() {
	otel.SetLogger(logger.NewLogr())
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
}

// TracerProvider returns the tracer provider.
func (p *Providers) TracerProvider() trace.TracerProvider { return p.tracerProvider }

// MeterProvider returns the meter provider.
func (p *Providers) MeterProvider() metric.MeterProvider { return p.meterProvider }

// MetricsHandler returns the Prometheus handler, nil when metrics are off.
func (p *Providers) MetricsHandler() http.Handler { return p.metricsHandler }

// Shutdown flushes and stops every provider, returning all failures.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for _, shutdown := range p.shutdownFuncs {
		if err := shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
