// Package telemetry настраивает OpenTelemetry и содержит метрики сервиса.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ErrMissingServiceName возвращается, если не задано имя сервиса.
var ErrMissingServiceName = errors.New("telemetry: service name is required")

// Config описывает параметры телеметрии. Пустой OTLPEndpoint отключает экспорт.
type Config struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLPEndpoint   string
}

// Telemetry владеет провайдерами трассировки и метрик.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Option подменяет экспортёры, например в тестах.
type Option func(*options)

type options struct {
	traceExporter sdktrace.SpanExporter
	metricReader  sdkmetric.Reader
}

// WithTraceExporter задаёт экспортёр спанов вместо OTLP.
func WithTraceExporter(exporter sdktrace.SpanExporter) Option {
	return func(o *options) { o.traceExporter = exporter }
}

// WithMetricReader задаёт читатель метрик вместо периодического OTLP-экспорта.
func WithMetricReader(reader sdkmetric.Reader) Option {
	return func(o *options) { o.metricReader = reader }
}

// Initialize регистрирует глобальные провайдеры. Без адреса коллектора и без
// подменённых экспортёров провайдеры не создаются и используются no-op реализации.
func Initialize(ctx context.Context, cfg Config, opts ...Option) (*Telemetry, error) {
	if cfg.ServiceName == "" {
		return nil, ErrMissingServiceName
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	tel := &Telemetry{}
	if cfg.OTLPEndpoint == "" && o.traceExporter == nil && o.metricReader == nil {
		return tel, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	traceExporter := o.traceExporter
	if traceExporter == nil {
		traceExporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("create trace exporter: %w", err)
		}
	}
	tel.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(traceExporter),
	)

	reader := o.metricReader
	if reader == nil {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			_ = tel.tracerProvider.Shutdown(ctx)
			return nil, fmt.Errorf("create metric exporter: %w", err)
		}
		reader = sdkmetric.NewPeriodicReader(exporter)
	}
	tel.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)

	otel.SetTracerProvider(tel.tracerProvider)
	otel.SetMeterProvider(tel.meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tel, nil
}

// Meter возвращает метр сервиса; без настроенного экспорта — no-op.
func (t *Telemetry) Meter(name string) metric.Meter {
	if t == nil || t.meterProvider == nil {
		return noop.NewMeterProvider().Meter(name)
	}
	return t.meterProvider.Meter(name)
}

// Enabled сообщает, настроен ли экспорт.
func (t *Telemetry) Enabled() bool {
	return t != nil && t.meterProvider != nil
}

// Shutdown сбрасывает буферы и останавливает провайдеры.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}
