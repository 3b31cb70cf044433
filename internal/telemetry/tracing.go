// Package telemetry wires OpenTelemetry tracing for collector commands.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Options describe the process being traced.
type Options struct {
	ServiceName string
	// Command is the CLI command name, recorded on every span's resource.
	Command string
	// SampleRatio is the fraction of root spans kept; values outside (0,1) keep all.
	SampleRatio float64
}

// Setup installs the global trace provider and the W3C trace context
// propagator. Spans are not exported; their context rides along in Pub/Sub
// message attributes so subscribers can correlate with a run. The returned
// func flushes and uninstalls the provider.
func Setup(ctx context.Context, opts Options) (func(context.Context) error, error) {
	if opts.ServiceName == "" {
		return nil, fmt.Errorf("service name is required")
	}
	attrs := []attribute.KeyValue{semconv.ServiceName(opts.ServiceName)}
	if opts.Command != "" {
		attrs = append(attrs, attribute.String("collector.command", opts.Command))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(opts.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.AlwaysSample()
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
