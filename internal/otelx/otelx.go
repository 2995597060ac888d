package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	_ "google.golang.org/grpc/encoding/gzip"
)

const (
	dialTimeout  = 3 * time.Second
	batchTimeout = 5 * time.Second
	maxQueue     = 2048
)

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string
}

// Shutdown flushes and stops the tracer provider installed by Init.
type Shutdown func(context.Context) error

// Init installs the global tracer provider and propagator. Disabled tracing
// still gets an SDK provider without exporters, so request spans carry ids
// for logs and the X-Trace-Id header.
func Init(ctx context.Context, o Options) (Shutdown, error) {
	otel.SetTextMapPropagator(propagator())
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	// the local collector answers fast, don't let a dead one stall startup
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	exp, err := otlptracegrpc.New(dialCtx, exporterOptions(o)...)
	if err != nil {
		return nil, err
	}

	// partial resources are still usable, detector errors are not fatal
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName(o)),
			semconv.ServiceVersionKey.String(o.Version),
		),
	)

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(o.Sample)),
		sdktrace.WithBatcher(exp, sdktrace.WithMaxQueueSize(maxQueue), sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})
}

// sampler respects the caller's decision and samples new roots at ratio, clamped to [0,1]
func sampler(ratio float64) sdktrace.Sampler {
	ratio = min(max(ratio, 0), 1)
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

func serviceName(o Options) string {
	if o.Component == "" {
		return o.Service
	}
	return o.Service + "." + o.Component
}

func exporterOptions(o Options) []otlptracegrpc.Option {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
		otlptracegrpc.WithCompressor("gzip"),
		otlptracegrpc.WithDialOption(grpc.WithUserAgent(userAgent(o))),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return opts
}

// userAgent is service[-component][/version]
func userAgent(o Options) string {
	ua := o.Service
	if o.Component != "" {
		ua += "-" + o.Component
	}
	if o.Version != "" {
		ua += "/" + o.Version
	}
	return ua
}
