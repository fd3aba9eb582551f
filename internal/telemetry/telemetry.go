// Package telemetry wires OTLP trace export for the gateway process,
// replacing the teacher's Postgres-backed tracing.Collector (the durable
// Runs table in internal/store/pg already covers that need — see
// DESIGN.md) with a standard OTel SDK pipeline.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/serialagent/internal/config"
)

// Shutdown flushes and stops the tracer provider; safe to call on a
// disabled/no-op setup.
type Shutdown func(context.Context) error

// Init wires an OTLP-over-gRPC trace pipeline per cfg.Telemetry. When
// disabled, it installs nothing and leaves otel's default no-op global
// tracer provider in place, so callers can always call otel.Tracer(...)
// without a nil check.
func Init(ctx context.Context, cfg config.TelemetryConfig) (Shutdown, error) {
	if !cfg.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(cfg.Headers))
	}

	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create OTLP exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "serialagent"
	}
	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer is the package-wide tracer. The turn engine opens one
// "agent.run_turn" span per turn; LLM calls and tool dispatches get no
// spans of their own.
func Tracer() trace.Tracer { return otel.Tracer("serialagent") }
