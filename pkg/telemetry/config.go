// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/guildgate/pkg/logger"
	"github.com/stacklok/guildgate/pkg/versions"
)

// DefaultServiceName is reported as service.name.
const DefaultServiceName = "guildgate"

// Config holds the telemetry configuration.
type Config struct {
	// ServiceName is the service name for telemetry.
	ServiceName string `yaml:"serviceName"`

	// ServiceVersion is the service version for telemetry.
	ServiceVersion string `yaml:"serviceVersion"`

	// EnablePrometheusMetricsPath exposes a Prometheus /metrics endpoint.
	EnablePrometheusMetricsPath bool `yaml:"prometheus"`

	// IncludeRuntimeMetrics adds Go runtime and process collectors to /metrics.
	IncludeRuntimeMetrics bool `yaml:"runtimeMetrics"`

	// OTLP configures export to an OpenTelemetry collector.
	OTLP OTLPConfig `yaml:"otlp"`
}

// OTLPConfig configures OTLP/HTTP export.
type OTLPConfig struct {
	// Endpoint is the collector host:port. Empty disables OTLP export.
	Endpoint string `yaml:"endpoint"`

	// Headers are sent with every export request.
	Headers map[string]string `yaml:"headers"`

	// Insecure uses HTTP instead of HTTPS.
	Insecure bool `yaml:"insecure"`

	// TracingEnabled exports spans.
	TracingEnabled bool `yaml:"tracing"`

	// MetricsEnabled exports metrics.
	MetricsEnabled bool `yaml:"metrics"`

	// SamplingRate is the trace sampling ratio (0.0-1.0).
	SamplingRate float64 `yaml:"samplingRate"`
}

// DefaultConfig returns the default telemetry configuration.
func DefaultConfig() Config {
	return Config{
		ServiceName:                 DefaultServiceName,
		EnablePrometheusMetricsPath: true,
		IncludeRuntimeMetrics:       true,
		OTLP: OTLPConfig{
			Headers:        make(map[string]string),
			TracingEnabled: true,
			MetricsEnabled: true,
			SamplingRate:   0.05,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.OTLP.Endpoint != "" && !c.OTLP.TracingEnabled && !c.OTLP.MetricsEnabled {
		return errors.New("OTLP endpoint is configured but both tracing and metrics are disabled")
	}
	if c.OTLP.SamplingRate < 0 || c.OTLP.SamplingRate > 1 {
		return fmt.Errorf("sampling rate must be between 0 and 1, got %v", c.OTLP.SamplingRate)
	}
	return nil
}

// Provider owns the meter and tracer providers.
type Provider struct {
	tracerProvider    trace.TracerProvider
	meterProvider     metric.MeterProvider
	prometheusHandler http.Handler
	shutdown          []func(context.Context) error
}

// NewProvider creates the providers described by config and installs them
// as the otel globals.
func NewProvider(ctx context.Context, config Config) (*Provider, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = versions.GetVersionInfo().Version
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	p := &Provider{}

	var readers []sdkmetric.Reader
	if config.EnablePrometheusMetricsPath {
		reader, handler, err := newPrometheusReader(config.IncludeRuntimeMetrics)
		if err != nil {
			return nil, err
		}
		readers = append(readers, reader)
		p.prometheusHandler = handler
	}
	if config.OTLP.Endpoint != "" && config.OTLP.MetricsEnabled {
		reader, err := newOTLPMetricReader(ctx, config.OTLP)
		if err != nil {
			return nil, err
		}
		readers = append(readers, reader)
	}

	if len(readers) == 0 {
		p.meterProvider = metricnoop.NewMeterProvider()
	} else {
		opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
		for _, r := range readers {
			opts = append(opts, sdkmetric.WithReader(r))
		}
		mp := sdkmetric.NewMeterProvider(opts...)
		p.meterProvider = mp
		p.shutdown = append(p.shutdown, mp.Shutdown)
	}

	tracing := config.OTLP
	if !tracing.TracingEnabled {
		tracing.Endpoint = ""
	}
	tp, tpShutdown, err := newOTLPTracerProvider(ctx, tracing, res)
	if err != nil {
		return nil, err
	}
	p.tracerProvider = tp
	if tpShutdown != nil {
		p.shutdown = append(p.shutdown, tpShutdown)
	}

	otel.SetTracerProvider(p.tracerProvider)
	otel.SetMeterProvider(p.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Debugw("telemetry initialized",
		"service_name", config.ServiceName,
		"prometheus", config.EnablePrometheusMetricsPath,
		"otlp_endpoint", config.OTLP.Endpoint,
	)
	return p, nil
}

// Shutdown flushes and stops the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// TracerProvider returns the configured tracer provider.
func (p *Provider) TracerProvider() trace.TracerProvider {
	return p.tracerProvider
}

// MeterProvider returns the configured meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// PrometheusHandler returns the /metrics handler, or nil when disabled.
func (p *Provider) PrometheusHandler() http.Handler {
	return p.prometheusHandler
}
