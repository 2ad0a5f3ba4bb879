// Package telemetry wires OpenTelemetry tracing and Prometheus metrics for
// the de-identification pipeline. Spans and metrics carry entity types,
// resource types and counts only, never PHI values.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Trace exporters accepted by TelemetryConfig.TraceExporter.
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
)

// TelemetryConfig holds all configuration for the tracing provider.
type TelemetryConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	TraceExporter  string
	SampleRate     float64   // 0.0 to 1.0
	Writer         io.Writer // stdout exporter destination; defaults to os.Stdout
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "deid-pipeline"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
	if c.TraceExporter == "" {
		c.TraceExporter = ExporterNone
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1.0
	}
	if c.Writer == nil {
		c.Writer = os.Stdout
	}
}

// Provider owns the tracer provider for one process.
type Provider struct {
	tp       trace.TracerProvider
	shutdown func(context.Context) error
}

// Init builds a tracer provider for cfg and registers it globally. With the
// "none" exporter spans are created but never recorded.
func Init(ctx context.Context, cfg TelemetryConfig) (*Provider, error) {
	cfg.applyDefaults()

	switch cfg.TraceExporter {
	case ExporterNone:
		tp := noop.NewTracerProvider()
		otel.SetTracerProvider(tp)
		return &Provider{tp: tp, shutdown: func(context.Context) error { return nil }}, nil
	case ExporterStdout:
	default:
		return nil, fmt.Errorf("telemetry: unknown trace exporter %q", cfg.TraceExporter)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create stdout exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
		attribute.String("deployment.environment", cfg.Environment),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)

	return &Provider{tp: tp, shutdown: tp.Shutdown}, nil
}

// Tracer returns a named tracer from this provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	if p == nil {
		return noop.NewTracerProvider().Tracer(name)
	}
	return p.tp.Tracer(name)
}

// Shutdown flushes pending spans. Safe to call more than once.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	err := p.shutdown(ctx)
	p.shutdown = nil
	return err
}
