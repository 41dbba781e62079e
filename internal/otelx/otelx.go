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
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName prefixes every tracer handed out by Tracer.
const InstrumentationName = "github.com/keithlinneman/linnemanlabs-api"

type Options struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	Sample      float64
	Service     string
	Component   string
	Version     string
	Environment string

	// Headers are sent with every export, e.g. a collector tenant.
	Headers map[string]string

	// DialTimeout bounds exporter setup, default 3s.
	DialTimeout time.Duration
}

// Propagator is installed globally by Init. Inbound traceparent headers
// are honored and outbound calls carry the same context.
func Propagator() propagation.TextMapPropagator {
	return propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	)
}

// Tracer returns the tracer for one internal component.
func Tracer(component string) trace.Tracer {
	return otel.Tracer(InstrumentationName + "/" + component)
}

// Init installs the global tracer provider and propagator. When tracing is
// disabled an unexported SDK provider is still installed so spans started
// by middleware are valid but never leave the process.
func Init(ctx context.Context, o Options) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(Propagator())
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(o.Endpoint),
	}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(o.Headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(o.Headers))
	}

	// exporter setup blocks with no deadline of its own
	timeout := o.DialTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	dialCtx, dialCancel := context.WithTimeout(ctx, timeout)
	defer dialCancel()
	exp, err := otlptracegrpc.New(dialCtx, opts...)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(o.Sample)),
		sdktrace.WithBatcher(exp,
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithBatchTimeout(5*time.Second),
		),
		sdktrace.WithResource(newResource(ctx, o)),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// sampler keeps the caller's decision for propagated traces and samples
// new roots at ratio.
func sampler(ratio float64) sdktrace.Sampler {
	switch {
	case ratio <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case ratio >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

func newResource(ctx context.Context, o Options) *resource.Resource {
	name := o.Service
	if o.Component != "" {
		name += "." + o.Component
	}
	attrs := []resource.Option{
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithOS(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(name),
			semconv.ServiceVersionKey.String(o.Version),
		),
	}
	if o.Environment != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.DeploymentEnvironmentKey.String(o.Environment)))
	}
	// partial resources are still usable, detector errors only drop attributes
	res, _ := resource.New(ctx, attrs...)
	return res
}
