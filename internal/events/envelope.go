// Package events предоставляет конверт доменного события, публикатор
// и диспетчер входящих событий.
package events

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/transport"
)

// EnvelopeVersion текущая версия схемы конверта
const EnvelopeVersion = "1.0"

// Типы событий системы
const (
	TypeOrderCreated          = "order.created"
	TypeOrderConfirmed        = "order.confirmed"
	TypeOrderCancelled        = "order.cancelled"
	TypeOrderShipped          = "order.shipped"
	TypeInventoryReserved     = "inventory.reserved"
	TypeInventoryInsufficient = "inventory.insufficient"
	TypePaymentCompleted      = "payment.completed"
	TypePaymentFailed         = "payment.failed"
)

// Envelope конверт события. События неизменяемы: опубликованный факт
// никогда не правится, только замещается более поздним событием.
type Envelope struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	OccurredAt    time.Time       `json:"timestamp"`
	Version       string          `json:"version"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEnvelope создает конверт с сериализованным payload
func NewEnvelope(eventType, source string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, core.Wrap(err, core.CodeValidation, "failed to marshal event payload")
	}
	return &Envelope{
		ID:         uuid.New().String(),
		Type:       eventType,
		OccurredAt: time.Now().UTC(),
		Version:    EnvelopeVersion,
		Source:     source,
		Payload:    data,
	}, nil
}

// ExchangeFor возвращает exchange, владеющий типом события.
// Имя типа начинается с домена публикующего сервиса.
func ExchangeFor(eventType string) string {
	switch {
	case strings.HasPrefix(eventType, "order."):
		return transport.ExchangeOrders
	case strings.HasPrefix(eventType, "inventory."):
		return transport.ExchangeProducts
	case strings.HasPrefix(eventType, "payment."):
		return transport.ExchangePayments
	default:
		return ""
	}
}

// Validator payload со встроенной проверкой схемы
type Validator interface {
	Validate() error
}

// DecodePayload разбирает payload конверта в структуру потребителя.
// Несовпадение схемы - постоянная ошибка: сообщение уходит в dead-letter,
// а не в бесконечный requeue.
func DecodePayload[T any](env *Envelope) (T, error) {
	var payload T
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		return payload, core.Wrap(err, core.CodeValidation, "malformed payload for "+env.Type)
	}
	if v, ok := any(&payload).(Validator); ok {
		if err := v.Validate(); err != nil {
			return payload, core.Wrap(err, core.CodeValidation, "invalid payload for "+env.Type)
		}
	}
	return payload, nil
}
