// Package telemetry exports the session spans (create, join, reconnect,
// leave) of the client over OTLP/HTTP.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// ServiceName identifies the client in exported traces.
const ServiceName = "tictac"

// Options selects the collector and tags the client resource.
type Options struct {
	Endpoint string
	Enabled  bool
	// RoomKind is recorded on the resource so traces from clients playing
	// different room types can be told apart.
	RoomKind string
}

// Tracing holds the provider the session manager records its spans on.
type Tracing struct {
	Provider trace.TracerProvider
	shutdown func(context.Context) error
}

// Exporting reports whether spans leave the process.
func (t Tracing) Exporting() bool { return t.shutdown != nil }

// Shutdown flushes pending session spans. It is a no-op when nothing is
// exported.
func (t Tracing) Shutdown(ctx context.Context) error {
	if t.shutdown == nil {
		return nil
	}
	return t.shutdown(ctx)
}

// Setup builds the tracer provider for the client.
//
// Tracing is opt-in: without an endpoint, or when disabled, the provider is a
// no-op and nothing is registered globally. Otherwise spans are batched to
// the collector and the provider also becomes the global one.
func Setup(ctx context.Context, opts Options) (Tracing, error) {
	disabled := Tracing{Provider: noop.NewTracerProvider()}
	if !opts.Enabled || opts.Endpoint == "" {
		return disabled, nil
	}

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpointURL(opts.Endpoint),
	)
	if err != nil {
		return disabled, err
	}

	attrs := []attribute.KeyValue{semconv.ServiceName(ServiceName)}
	if opts.RoomKind != "" {
		attrs = append(attrs, attribute.String("tictac.room.kind", opts.RoomKind))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return disabled, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return Tracing{Provider: tp, shutdown: tp.Shutdown}, nil
}
