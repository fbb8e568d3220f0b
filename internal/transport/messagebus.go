// Package transport предоставляет абстракции для работы с topic-exchange брокером.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
)

// Имена exchange. Каждый публикующий сервис владеет ровно одним exchange,
// названным по его домену.
const (
	ExchangeOrders   = "orders"
	ExchangePayments = "payments"
	ExchangeProducts = "products"
)

// Message представляет сообщение в очереди
type Message struct {
	Exchange   string
	RoutingKey string
	Data       []byte
	Headers    map[string]string
	// Attempt порядковый номер доставки, начиная с 1
	Attempt int
	// Redelivered признак повторной доставки
	Redelivered bool
}

// MessageHandler обработчик сообщений. Ошибка обработчика приводит к
// nack с повторной доставкой; постоянная ошибка или исчерпание попыток -
// к публикации в dead-letter.
type MessageHandler func(ctx context.Context, msg *Message) error

// Binding связывает очередь с exchange по шаблону routing key (например "order.*")
type Binding struct {
	Exchange string
	Pattern  string
}

// QueueSpec описывает durable очередь потребителя и её привязки.
// Сообщения одной очереди обрабатываются строго по одному;
// разные очереди одного сервиса работают параллельно.
type QueueSpec struct {
	Queue    string
	Bindings []Binding
}

// Validate проверяет корректность спецификации очереди
func (q QueueSpec) Validate() error {
	if q.Queue == "" {
		return ErrEmptyQueue
	}
	if len(q.Bindings) == 0 {
		return ErrNoBindings
	}
	for _, b := range q.Bindings {
		if b.Exchange == "" || b.Pattern == "" {
			return ErrInvalidBinding
		}
	}
	return nil
}

// Publisher публикатор сообщений
type Publisher interface {
	// Publish публикует сообщение в exchange с указанным routing key
	Publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error
}

// Subscriber подписчик на сообщения
type Subscriber interface {
	// Subscribe объявляет durable очередь, привязывает её и запускает потребителя
	Subscribe(ctx context.Context, spec QueueSpec, handler MessageHandler) error
	// Unsubscribe останавливает потребителя очереди
	Unsubscribe(queue string) error
}

// MessageBus объединяет возможности публикации и подписки.
// Адаптер создается явно и передается через DI; жизненный цикл
// привязан к жизненному циклу сервиса.
type MessageBus interface {
	core.Lifecycle
	Publisher
	Subscriber
}

// DeadLetterHandler обработчик сообщений, отправленных в dead-letter
type DeadLetterHandler func(ctx context.Context, msg *Message, reason string) error

// RetryPolicy политика повторной доставки сообщений.
// Доставка at-least-once: подтверждение только после успешной обработки,
// количество повторов ограничено, дальше dead-letter.
type RetryPolicy struct {
	// MaxDeliver максимальное количество доставок одного сообщения
	MaxDeliver int
	// BackoffDelay задержка перед повторной доставкой
	BackoffDelay time.Duration
}

// DefaultRetryPolicy возвращает политику повторов по умолчанию
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxDeliver:   5,
		BackoffDelay: 2 * time.Second,
	}
}

// Exhausted сообщает, что попытки доставки исчерпаны
func (p RetryPolicy) Exhausted(attempt int) bool {
	return p.MaxDeliver > 0 && attempt >= p.MaxDeliver
}

// DeadLetterQueue возвращает имя dead-letter очереди для очереди потребителя
func DeadLetterQueue(queue string) string {
	return "dlq." + queue
}

// MatchPattern проверяет routing key на соответствие шаблону привязки.
// Поддерживаются "*" (ровно один сегмент) и "#" (ноль и более сегментов).
func MatchPattern(pattern, routingKey string) bool {
	if pattern == routingKey {
		return true
	}
	pp := strings.Split(pattern, ".")
	kk := strings.Split(routingKey, ".")
	return matchSegments(pp, kk)
}

func matchSegments(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		if matchSegments(pattern[1:], key) {
			return true
		}
		if len(key) == 0 {
			return false
		}
		return matchSegments(pattern, key[1:])
	case "*":
		if len(key) == 0 {
			return false
		}
		return matchSegments(pattern[1:], key[1:])
	default:
		if len(key) == 0 || pattern[0] != key[0] {
			return false
		}
		return matchSegments(pattern[1:], key[1:])
	}
}
