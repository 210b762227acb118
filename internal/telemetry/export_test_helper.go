package telemetry

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// NewTracerProviderWithExporter exposes the provider constructor for
// tests that need an in-memory exporter.
func NewTracerProviderWithExporter(exporter sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, func(context.Context) error, error) {
	return newTracerProviderWithExporter(exporter, cfg)
}
