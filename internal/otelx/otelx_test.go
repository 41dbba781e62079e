package otelx

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Disabled path

func TestInit_Disabled_ShutdownIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	// safe to call twice
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

func TestInit_Disabled_SetsSDKProvider(t *testing.T) {
	_, _ = Init(context.Background(), Options{Enabled: false, Sample: 99.9})

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("TracerProvider type = %T, want *sdktrace.TracerProvider", otel.GetTracerProvider())
	}
}

func TestInit_SetsPropagator(t *testing.T) {
	_, _ = Init(context.Background(), Options{Enabled: false})

	fields := map[string]bool{}
	for _, f := range otel.GetTextMapPropagator().Fields() {
		fields[f] = true
	}
	for _, want := range []string{"traceparent", "tracestate", "baggage"} {
		if !fields[want] {
			t.Errorf("propagator missing %s field", want)
		}
	}
}

func TestPropagator_ExtractsTraceparent(t *testing.T) {
	carrier := propagation.MapCarrier{
		"traceparent": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
	}
	ctx := Propagator().Extract(context.Background(), carrier)
	sc := trace.SpanContextFromContext(ctx)
	if got := sc.TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Fatalf("trace id = %q", got)
	}
	if !sc.IsRemote() || !sc.IsSampled() {
		t.Fatalf("span context = %+v, want remote and sampled", sc)
	}
}

// Tracer

func TestTracer_UsesComponentScope(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := Tracer("ratelimit").Start(context.Background(), "check")
	defer span.End()

	ro, ok := span.(sdktrace.ReadOnlySpan)
	if !ok {
		t.Fatalf("span type = %T", span)
	}
	if got := ro.InstrumentationScope().Name; got != InstrumentationName+"/ratelimit" {
		t.Fatalf("scope = %q", got)
	}
}

// sampler

func TestSampler_Ratios(t *testing.T) {
	root := sdktrace.SamplingParameters{
		ParentContext: context.Background(),
		TraceID:       trace.TraceID{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		Name:          "root",
	}
	tests := []struct {
		ratio float64
		want  sdktrace.SamplingDecision
	}{
		{0, sdktrace.Drop},
		{-1, sdktrace.Drop},
		{1, sdktrace.RecordAndSample},
		{5, sdktrace.RecordAndSample},
	}
	for _, tt := range tests {
		if got := sampler(tt.ratio).ShouldSample(root).Decision; got != tt.want {
			t.Errorf("sampler(%v) = %v, want %v", tt.ratio, got, tt.want)
		}
	}
}

func TestSampler_HonorsSampledParent(t *testing.T) {
	parent := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{1},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	p := sdktrace.SamplingParameters{
		ParentContext: trace.ContextWithRemoteSpanContext(context.Background(), parent),
		TraceID:       parent.TraceID(),
		Name:          "child",
	}
	if got := sampler(0).ShouldSample(p).Decision; got != sdktrace.RecordAndSample {
		t.Fatalf("decision = %v, want RecordAndSample", got)
	}
}

// resource

func TestNewResource_Attributes(t *testing.T) {
	res := newResource(context.Background(), Options{
		Service:     "linnemanlabs-api",
		Component:   "server",
		Version:     "1.2.3",
		Environment: "staging",
	})
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	checks := map[string]string{
		string(semconv.ServiceNameKey):           "linnemanlabs-api.server",
		string(semconv.ServiceVersionKey):        "1.2.3",
		string(semconv.DeploymentEnvironmentKey): "staging",
	}
	for k, want := range checks {
		if got[k] != want {
			t.Errorf("%s = %q, want %q", k, got[k], want)
		}
	}
}

func TestNewResource_NoComponent(t *testing.T) {
	res := newResource(context.Background(), Options{Service: "svc"})
	for _, kv := range res.Attributes() {
		if kv.Key == semconv.ServiceNameKey && strings.HasSuffix(kv.Value.AsString(), ".") {
			t.Fatalf("service name = %q", kv.Value.AsString())
		}
	}
}

// Enabled path

func TestInit_Enabled_ReturnsPromptly(t *testing.T) {
	// gRPC defers connecting, so an unreachable collector must not block
	start := time.Now()
	shutdown, err := Init(context.Background(), Options{
		Enabled:     true,
		Endpoint:    "localhost:1",
		Insecure:    true,
		Sample:      1.0,
		Service:     "test",
		Component:   "test",
		Version:     "v0.0.0-test",
		Headers:     map[string]string{"x-scope-orgid": "test"},
		DialTimeout: time.Second,
	})
	elapsed := time.Since(start)
	if elapsed > 5*time.Second {
		t.Fatalf("Init took %v", elapsed)
	}
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Logf("shutdown error (no collector): %v", err)
	}
}
