// Package tracing wires a global OpenTelemetry tracer for the exchange
// runtime: one span per send/recv round trip and per action invocation,
// correlated by message tag. Grounded on the khangdcicloud-fluxor pack
// repo's pkg/observability/otel/tracer.go, trimmed to the stdout exporter
// (the jaeger/zipkin exporters are dropped, see DESIGN.md).
package tracing

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	mu          sync.RWMutex
	tracer      trace.Tracer
	provider    *sdktrace.TracerProvider
	initialized bool
)

// Config configures the exchange runtime's tracer.
type Config struct {
	ServiceName string
	// Enabled turns tracing on; when false (the zero value) every span
	// recorded through this package is a cheap no-op.
	Enabled bool
	// SampleRate is the fraction of traces recorded, 0.0 to 1.0.
	SampleRate float64
}

// DefaultConfig returns a disabled, fully-sampled configuration.
func DefaultConfig() Config {
	return Config{ServiceName: "exchange", Enabled: false, SampleRate: 1.0}
}

// Init installs a stdout-exporting tracer provider as the global tracer
// provider when config.Enabled. Calling it again returns an
// "already initialized" error; call Shutdown first to reinitialize.
func Init(ctx context.Context, config Config) error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return fmt.Errorf("tracing: already initialized")
	}
	if !config.Enabled {
		tracer = trace.NewNoopTracerProvider().Tracer(config.ServiceName)
		initialized = true
		return nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceNameKey.String(config.ServiceName),
	))
	if err != nil {
		return fmt.Errorf("tracing: build resource: %w", err)
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return fmt.Errorf("tracing: build stdout exporter: %w", err)
	}

	rate := config.SampleRate
	if rate <= 0 {
		rate = 1.0
	}
	provider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(rate)),
	)
	otel.SetTracerProvider(provider)
	tracer = provider.Tracer(config.ServiceName)
	initialized = true
	return nil
}

// Tracer returns the installed tracer, or a no-op tracer if Init was never
// called (so instrumented code never needs a nil check).
func Tracer() trace.Tracer {
	mu.RLock()
	defer mu.RUnlock()
	if tracer == nil {
		return trace.NewNoopTracerProvider().Tracer("noop")
	}
	return tracer
}

// StartRoundTrip starts a span for one send/recv or action round trip,
// tagged by the message correlation tag so multiple concurrent round trips
// are distinguishable in the exported trace.
func StartRoundTrip(ctx context.Context, spanName, tag string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("exchange.tag", tag))
	return Tracer().Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// Shutdown flushes and stops the tracer provider, if one was installed.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if !initialized {
		return nil
	}
	initialized = false
	tracer = nil
	if provider != nil {
		err := provider.Shutdown(ctx)
		provider = nil
		return err
	}
	return nil
}
