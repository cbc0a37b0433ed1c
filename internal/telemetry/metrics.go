package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics — инструменты бизнес-метрик сервиса.
type Metrics struct {
	ordersCreated    metric.Int64Counter
	checkoutDuration metric.Float64Histogram
	transitions      metric.Int64Counter
	reviews          metric.Int64Counter
	ledgerPoints     metric.Int64Counter
	eventsPublished  metric.Float64Histogram
	reconciled       metric.Int64Counter
}

// NewMetrics создаёт инструменты на переданном метре.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}

	var err error

	m.ordersCreated, err = meter.Int64Counter(
		"washmart_orders_created_total",
		metric.WithDescription("Total number of checkout attempts by outcome"),
		metric.WithUnit("{order}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create orders_created counter: %w", err)
	}

	m.checkoutDuration, err = meter.Float64Histogram(
		"washmart_checkout_duration_seconds",
		metric.WithDescription("Duration of the checkout saga"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create checkout_duration histogram: %w", err)
	}

	m.transitions, err = meter.Int64Counter(
		"washmart_order_transitions_total",
		metric.WithDescription("Order status transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create order_transitions counter: %w", err)
	}

	m.reviews, err = meter.Int64Counter(
		"washmart_reviews_total",
		metric.WithDescription("Review submissions by outcome"),
		metric.WithUnit("{review}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reviews counter: %w", err)
	}

	m.ledgerPoints, err = meter.Int64Counter(
		"washmart_ledger_points_total",
		metric.WithDescription("Reward points moved through the ledger"),
		metric.WithUnit("{point}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create ledger_points counter: %w", err)
	}

	m.eventsPublished, err = meter.Float64Histogram(
		"washmart_event_publish_duration_seconds",
		metric.WithDescription("Order event publish latency"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create event_publish histogram: %w", err)
	}

	m.reconciled, err = meter.Int64Counter(
		"washmart_reconciled_total",
		metric.WithDescription("Checkouts finished or rolled back by the reconciler"),
		metric.WithUnit("{checkout}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create reconciled counter: %w", err)
	}

	return m, nil
}

// NewNoopMetrics возвращает метрики, которые ничего не записывают.
func NewNoopMetrics() *Metrics {
	m, _ := NewMetrics(noop.NewMeterProvider().Meter("noop"))
	return m
}

func (m *Metrics) RecordOrderCreated(ctx context.Context, outcome string) {
	m.ordersCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordCheckoutDuration(ctx context.Context, durationSeconds float64) {
	m.checkoutDuration.Record(ctx, durationSeconds)
}

func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	m.transitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) RecordReview(ctx context.Context, success bool) {
	m.reviews.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status(success))))
}

// RecordLedger учитывает движение баллов; op — earn, redeem или reversal.
func (m *Metrics) RecordLedger(ctx context.Context, op string, points int64) {
	if points < 0 {
		points = -points
	}
	m.ledgerPoints.Add(ctx, points, metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) RecordEventPublish(ctx context.Context, backend string, durationSeconds float64, success bool) {
	m.eventsPublished.Record(ctx, durationSeconds, metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("status", status(success)),
	))
}

func (m *Metrics) RecordReconciled(ctx context.Context, action string) {
	m.reconciled.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
