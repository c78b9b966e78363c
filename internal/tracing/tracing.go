// Package tracing wires an OpenTelemetry tracer provider for the one
// genuinely distributed path in the core: the remote execute_command
// round trip. Exporter choice is the embedding process's concern; the
// default provider keeps spans in-process so the executor can always
// start a span without caring whether anything is listening.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/fleetwatch/fleetwatch"

// Setup installs a tracer provider identified by serviceName as the
// process-global provider and returns it together with a shutdown
// function that flushes on exit.
func Setup(serviceName string) (*sdktrace.TracerProvider, func(context.Context) error) {
	res := sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
	)
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp, tp.Shutdown
}

// Tracer returns the core's named tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartRemoteDispatch opens the span covering one execute_command send.
// The reply is asynchronous, so the span ends when the send completes,
// not when the result arrives; the result carries the endpoint name for
// correlation instead.
func StartRemoteDispatch(ctx context.Context, endpoint, command, checkable string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "remote.execute_command",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("fleetwatch.endpoint", endpoint),
			attribute.String("fleetwatch.command", command),
			attribute.String("fleetwatch.checkable", checkable),
		))
}
