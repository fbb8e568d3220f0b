package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// BusMetrics сборщик метрик событийной шины
type BusMetrics struct {
	meter            metric.Meter
	publishedTotal   metric.Int64Counter
	consumedTotal    metric.Int64Counter
	deadLetteredTotal metric.Int64Counter
	handleDuration   metric.Float64Histogram
}

// NewBusMetrics создает новый сборщик метрик шины
func NewBusMetrics() (*BusMetrics, error) {
	meter := otel.Meter("oms/messagebus")

	publishedTotal, err := meter.Int64Counter(
		"bus_published_total",
		metric.WithDescription("Total number of messages published"),
	)
	if err != nil {
		return nil, err
	}

	consumedTotal, err := meter.Int64Counter(
		"bus_consumed_total",
		metric.WithDescription("Total number of messages consumed"),
	)
	if err != nil {
		return nil, err
	}

	deadLetteredTotal, err := meter.Int64Counter(
		"bus_dead_lettered_total",
		metric.WithDescription("Total number of messages routed to dead-letter"),
	)
	if err != nil {
		return nil, err
	}

	handleDuration, err := meter.Float64Histogram(
		"bus_handle_duration_seconds",
		metric.WithDescription("Message handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &BusMetrics{
		meter:             meter,
		publishedTotal:    publishedTotal,
		consumedTotal:     consumedTotal,
		deadLetteredTotal: deadLetteredTotal,
		handleDuration:    handleDuration,
	}, nil
}

// RecordPublish фиксирует публикацию сообщения
func (m *BusMetrics) RecordPublish(ctx context.Context, exchange, routingKey string, success bool) {
	if m == nil {
		return
	}
	m.publishedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("exchange", exchange),
		attribute.String("routing_key", routingKey),
		attribute.Bool("success", success),
	))
}

// RecordConsume фиксирует обработку сообщения
func (m *BusMetrics) RecordConsume(ctx context.Context, queue string, duration time.Duration, success bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.Bool("success", success),
	)
	m.consumedTotal.Add(ctx, 1, attrs)
	m.handleDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordDeadLetter фиксирует отправку сообщения в dead-letter
func (m *BusMetrics) RecordDeadLetter(ctx context.Context, queue, reason string) {
	if m == nil {
		return
	}
	m.deadLetteredTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("reason", reason),
	))
}

// SetupMeterProvider настраивает глобальный MeterProvider с prometheus exporter
func SetupMeterProvider() (*sdkmetric.MeterProvider, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)
	return provider, nil
}
