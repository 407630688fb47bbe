// Package tracing настраивает OpenTelemetry для сервиса заказов.
package tracing

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Config задаёт экспорт трейсов.
type Config struct {
	ServiceName    string
	ServiceVersion string
	// JaegerEndpoint: collector endpoint; пустое значение отключает экспорт.
	JaegerEndpoint string
	// SampleRatio: доля сэмплируемых трейсов в диапазоне (0, 1].
	SampleRatio float64
}

// Init регистрирует глобальные TracerProvider и W3C-пропагатор.
// Возвращает функцию остановки, которая сбрасывает буфер спанов.
func Init(cfg Config, logger *log.Entry) (func(context.Context) error, error) {
	if logger == nil {
		logger = log.WithField("component", "tracing")
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	}

	if cfg.JaegerEndpoint != "" {
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)))
		if err != nil {
			return nil, fmt.Errorf("create jaeger exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.WithField("endpoint", cfg.JaegerEndpoint).Info("tracing exporter enabled")
	} else {
		logger.Info("tracing exporter disabled, spans stay in process")
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
