package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// NewTracerProvider builds a tracer provider for the swap lifecycle spans
// and installs it as the global provider. Exporters are passed in by the
// caller as options; runtime.New passes none, so no spans are exported.
func NewTracerProvider(opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(attribute.String("service.name", "hmrcore")),
	)
	if err != nil {
		return nil, err
	}
	all := append([]sdktrace.TracerProviderOption{sdktrace.WithResource(res)}, opts...)
	tp := sdktrace.NewTracerProvider(all...)
	otel.SetTracerProvider(tp)
	return tp, nil
}

// Tracer returns the package tracer used to annotate swap spans.
func Tracer() trace.Tracer {
	return otel.Tracer("github.com/nmxmxh/hmrcore")
}
