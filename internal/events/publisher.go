package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Mohmdhamad/oms-microservices/internal/observability"
	"github.com/Mohmdhamad/oms-microservices/internal/transport"
)

// PublishOption опция публикации события
type PublishOption func(*Envelope)

// WithCorrelationID устанавливает correlation ID
func WithCorrelationID(id string) PublishOption {
	return func(env *Envelope) {
		env.CorrelationID = id
	}
}

// WithCausationID устанавливает causation ID
func WithCausationID(id string) PublishOption {
	return func(env *Envelope) {
		env.CausationID = id
	}
}

// Publisher публикатор доменных событий. Каждое событие уходит ровно
// в один exchange, выбираемый по типу события.
type Publisher struct {
	bus    transport.Publisher
	source string
	logger *zap.Logger
	tracer trace.Tracer
}

// NewPublisher создает публикатор событий сервиса
func NewPublisher(bus transport.Publisher, source string, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		bus:    bus,
		source: source,
		logger: logger,
		tracer: otel.Tracer("oms/events"),
	}
}

// Publish публикует событие с payload в exchange его типа
func (p *Publisher) Publish(ctx context.Context, eventType string, payload interface{}, opts ...PublishOption) error {
	exchange := ExchangeFor(eventType)
	if exchange == "" {
		return fmt.Errorf("no exchange for event type %s", eventType)
	}

	env, err := NewEnvelope(eventType, p.source, payload)
	if err != nil {
		return err
	}
	for _, opt := range opts {
		opt(env)
	}

	ctx, span := p.tracer.Start(ctx, "publish "+eventType,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", exchange),
			attribute.String("event.id", env.ID),
			attribute.String("event.type", eventType),
		),
	)
	defer span.End()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	headers := map[string]string{"Content-Type": "application/json"}
	observability.InjectHeaders(ctx, headers)

	if err := p.bus.Publish(ctx, exchange, eventType, data, headers); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}

	p.logger.Info("event published",
		zap.String("event_id", env.ID),
		zap.String("event_type", eventType),
		zap.String("exchange", exchange),
	)
	return nil
}
