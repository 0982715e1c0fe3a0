// Package tracing wraps OpenTelemetry span creation for per-flow traces:
// one span per flow covering request-rule evaluation, the upstream round
// trip, and response-rule evaluation, so a slow or failing flow can be
// correlated across the pipeline stages that touched it.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/syrahproxy/syrah/internal/config"
)

const instrumentationName = "syrah/proxy"

// Tracer wraps an OpenTelemetry tracer with a disabled state that costs
// effectively nothing: every Start call falls through to a noop tracer
// when tracing is off, so callers never need to branch on cfg.Enabled.
type Tracer struct {
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
	enabled  bool
}

// New builds a Tracer per cfg.TracingConfig. An empty OTLPEndpoint keeps the
// stdout exporter (useful for local debugging without a collector); a
// configured endpoint is accepted but not yet wired to an OTLP exporter —
// see DESIGN.md for why that's out of scope for this module's dependency
// set.
func New(cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{tracer: trace.NewNoopTracerProvider().Tracer(instrumentationName)}, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("tracing: creating stdout exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(semconv.ServiceName("syrah-proxy")),
	)
	if err != nil {
		return nil, fmt.Errorf("tracing: building resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{
		tracer:   provider.Tracer(instrumentationName),
		provider: provider,
		enabled:  true,
	}, nil
}

// Noop returns a disabled Tracer backed by OpenTelemetry's noop provider,
// for callers that want a non-nil Tracer without going through config (e.g.
// a safe default when tracing wasn't explicitly wired in).
func Noop() *Tracer {
	return &Tracer{tracer: trace.NewNoopTracerProvider().Tracer(instrumentationName)}
}

// Start opens a span, delegating straight to the underlying tracer (a noop
// one when tracing is disabled).
func (t *Tracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes pending spans. Safe to call on a disabled Tracer.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if !t.enabled || t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Enabled reports whether tracing was turned on in config.
func (t *Tracer) Enabled() bool {
	return t.enabled
}

// FlowAttributes builds the standard span attributes recorded at the start
// of a flow's trace.
func FlowAttributes(flowID, protocol, method, host, path string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("syrah.flow.id", flowID),
		attribute.String("syrah.flow.protocol", protocol),
		attribute.String("http.method", method),
		attribute.String("http.host", host),
		attribute.String("http.path", path),
	}
}

// SetError records err on span and marks the span's status as an error. A
// nil err leaves the span untouched.
func SetError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.SetAttributes(attribute.Bool("error", true))
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
