// Package tracing bootstraps the OpenTelemetry SDK for per-request span
// trees and persists every span (and its events) to the shared store via a
// custom SpanProcessor, so the dashboard inspector can read trace history
// back out of sqlite without a separate backend.
package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/evalgo/edgerun/internal/store"
)

// Config controls tracer-provider construction.
type Config struct {
	ServiceName       string
	ServiceID         string
	Version           string
	Environment       string
	Enabled           bool
	OTLPEndpoint      string
	SamplingRatio     float64
}

// Provider wraps the configured sdktrace.TracerProvider plus the store-backed
// span processor, and exposes Tracer/Shutdown.
type Provider struct {
	tp       *sdktrace.TracerProvider
	exporter *otlptracehttp.Exporter // nil when OTLP export is disabled
}

// NewProvider builds a TracerProvider that always records spans to the
// shared store, and additionally exports via OTLP/HTTP when cfg.Enabled and
// cfg.OTLPEndpoint are set.
func NewProvider(ctx context.Context, s *store.Store, cfg Config) (*Provider, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.ServiceInstanceID(cfg.ServiceID),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: building resource: %w", err)
	}

	ratio := cfg.SamplingRatio
	if ratio <= 0 {
		ratio = 1.0
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithSpanProcessor(newStoreProcessor(s)),
	}

	var exporter *otlptracehttp.Exporter
	if cfg.Enabled && cfg.OTLPEndpoint != "" {
		exporter, err = otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(cfg.OTLPEndpoint), otlptracehttp.WithInsecure())
		if err != nil {
			return nil, fmt.Errorf("tracing: building otlp exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp, exporter: exporter}, nil
}

// Tracer returns a named tracer from the provider.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tp.Tracer(name)
}

// Shutdown flushes and stops the tracer provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}
