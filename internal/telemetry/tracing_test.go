package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitTracerProvider(t *testing.T) {
	ctx := context.Background()
	tp, err := InitTracerProvider(ctx, Config{ServiceName: "bannerinspector", Version: "test", SampleRatio: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	spanCtx, span := Tracer().Start(ctx, "unit")
	require.True(t, span.SpanContext().IsSampled())
	span.End()

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(spanCtx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
}
