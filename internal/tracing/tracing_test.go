package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitWithoutExporter(t *testing.T) {
	shutdown, err := Init(Config{ServiceName: "orders-test", ServiceVersion: "dev"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	ctx, span := otel.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	require.True(t, span.SpanContext().IsValid())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	assert.NotEmpty(t, carrier.Get("traceparent"))
}

func TestInitWithJaegerEndpoint(t *testing.T) {
	shutdown, err := Init(Config{
		ServiceName:    "orders-test",
		JaegerEndpoint: "http://127.0.0.1:14268/api/traces",
		SampleRatio:    0.5,
	}, nil)
	require.NoError(t, err)
	// Коллектор недоступен: ошибка экспорта при остановке допустима
	_ = shutdown(context.Background())
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(0).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}
