package events

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/idempotency"
	"github.com/Mohmdhamad/oms-microservices/internal/observability"
	"github.com/Mohmdhamad/oms-microservices/internal/transport"
)

// HandlerFunc обработчик события одного типа. Ошибка обработчика
// не гасится: она уходит в канал событий, где решается судьба
// сообщения (requeue или dead-letter).
type HandlerFunc func(ctx context.Context, env *Envelope) error

// Dispatcher разбирает конверт входящего сообщения, проверяет журнал
// обработанных событий и направляет событие зарегистрированному обработчику.
// Один Dispatcher обслуживает одну очередь потребителя.
type Dispatcher struct {
	consumer string
	handlers map[string]HandlerFunc
	ledger   idempotency.Ledger
	logger   *zap.Logger
	tracer   trace.Tracer
}

// NewDispatcher создает диспетчер очереди потребителя
func NewDispatcher(consumer string, ledger idempotency.Ledger, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		consumer: consumer,
		handlers: make(map[string]HandlerFunc),
		ledger:   ledger,
		logger:   logger,
		tracer:   otel.Tracer("oms/events"),
	}
}

// Register регистрирует обработчик типа события
func (d *Dispatcher) Register(eventType string, handler HandlerFunc) *Dispatcher {
	d.handlers[eventType] = handler
	return d
}

// Handler возвращает transport.MessageHandler для подписки очереди
func (d *Dispatcher) Handler() transport.MessageHandler {
	return d.handle
}

func (d *Dispatcher) handle(ctx context.Context, msg *transport.Message) error {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		// Сломанный конверт не починится повторной доставкой
		return core.Wrap(err, core.CodeValidation, "malformed event envelope")
	}
	if env.ID == "" || env.Type == "" {
		return core.NewValidation("event envelope missing id or type")
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		// Очередь может быть привязана шире, чем список обработчиков
		d.logger.Debug("no handler for event type, skipping",
			zap.String("event_type", env.Type),
			zap.String("consumer", d.consumer),
		)
		return nil
	}

	ctx = observability.ExtractHeaders(ctx, msg.Headers)
	ctx, span := d.tracer.Start(ctx, "consume "+env.Type,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.consumer", d.consumer),
			attribute.String("event.id", env.ID),
			attribute.String("event.type", env.Type),
		),
	)
	defer span.End()

	if d.ledger != nil {
		seen, err := d.ledger.Seen(ctx, d.consumer, env.ID)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("idempotency check failed: %w", err)
		}
		if seen {
			d.logger.Info("duplicate event skipped",
				zap.String("event_id", env.ID),
				zap.String("event_type", env.Type),
				zap.String("consumer", d.consumer),
			)
			return nil
		}
	}

	if err := handler(ctx, &env); err != nil {
		span.RecordError(err)
		return err
	}

	if d.ledger != nil {
		if err := d.ledger.Mark(ctx, d.consumer, env.ID); err != nil {
			// Побочный эффект применён; незаписанная отметка означает лишь,
			// что повтор будет отброшен идемпотентностью самой операции
			d.logger.Warn("failed to mark event processed",
				zap.String("event_id", env.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}
