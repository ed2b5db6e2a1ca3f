// Package telemetry wires OpenTelemetry tracing and metrics for the worker process.
package telemetry

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Shutdown flushes and tears down the tracer and meter providers.
type Shutdown func(context.Context) error

// Init configures global tracer/meter providers from environment, gated by
// DOCFLOW_OTEL_ENABLED (default off so tests and local runs don't dial a
// collector that isn't there). Returns a combined shutdown function.
func Init(ctx context.Context, service string) Shutdown {
	if !enabled() {
		slog.Info("otel disabled", "service", service)
		return func(context.Context) error { return nil }
	}

	endpoint := os.Getenv("DOCFLOW_OTEL_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:4317"
	}

	res, _ := sdkresource.Merge(sdkresource.Default(), sdkresource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(service),
		attribute.String("service", service),
	))

	tracerShutdown := initTracer(ctx, endpoint, res)
	meterShutdown := initMeter(ctx, endpoint, res)

	return func(ctx context.Context) error {
		_ = tracerShutdown(ctx)
		return meterShutdown(ctx)
	}
}

func enabled() bool {
	v := strings.ToLower(os.Getenv("DOCFLOW_OTEL_ENABLED"))
	return v == "1" || v == "true"
}

func initTracer(ctx context.Context, endpoint string, res *sdkresource.Resource) Shutdown {
	exp, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("otel trace exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp), sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

func initMeter(ctx context.Context, endpoint string, res *sdkresource.Resource) Shutdown {
	ctxInit, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	exp, err := otlpmetricgrpc.New(ctxInit,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		slog.Warn("otel metric exporter init failed", "error", err)
		return func(context.Context) error { return nil }
	}
	reader := sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second))
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithResource(res))
	otel.SetMeterProvider(mp)
	return mp.Shutdown
}

// Tracer returns the package-wide tracer used across components.
func Tracer() trace.Tracer { return otel.Tracer("docflow-worker") }

// Meter returns the package-wide meter used across components.
func Meter() metric.Meter { return otel.Meter("docflow-worker") }

// WithSpan starts a span and returns the derived context and its end function.
func WithSpan(ctx context.Context, name string) (context.Context, func()) {
	ctx, span := Tracer().Start(ctx, name)
	return ctx, func() { span.End() }
}
