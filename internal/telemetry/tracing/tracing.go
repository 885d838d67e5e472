// Package tracing wraps the OpenTelemetry tracer used to bracket physics
// ticks and RPC dispatch, and exposes the trace/span id pair so the logging
// package can stitch log lines to a trace.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/stonegate-labs/stonegate-core"

// NewSDKProvider builds an SDK TracerProvider tagged with the service name
// and environment, and installs it as the global provider so any component
// that calls otel.GetTracerProvider() (including a bare tracing.New(nil))
// picks it up. There is no span exporter wired in: spans are sampled and
// held in memory for their lifetime, not shipped anywhere, until an
// exporter is configured. The returned shutdown func should be deferred by
// the caller to flush and release the provider on process exit.
func NewSDKProvider(serviceName, environment string) (trace.TracerProvider, func(context.Context) error) {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(sdkresource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(serviceName),
			semconv.DeploymentEnvironmentKey.String(environment),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown
}

// Tracer starts spans for a named operation (an RPC method, a physics tick).
type Tracer interface {
	Start(ctx context.Context, name string) (context.Context, trace.Span)
}

type otelTracer struct{ tr trace.Tracer }

// New returns a Tracer backed by the given TracerProvider. A nil provider
// falls back to the global no-op provider, so callers never need to check
// whether tracing is enabled.
func New(tp trace.TracerProvider) Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &otelTracer{tr: tp.Tracer(instrumentationName)}
}

func (t *otelTracer) Start(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tr.Start(ctx, name)
}

// ExtractIDs returns the hex trace and span ids carried by ctx, or empty
// strings if ctx carries no valid span.
func ExtractIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
