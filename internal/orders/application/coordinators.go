package application

import (
	"context"
	"fmt"

	"github.com/Mohmdhamad/oms-microservices/internal/events"
)

// Координаторы саги сервиса заказов: по одному обработчику на каждый
// потребляемый тип события. Обработчик извлекает нужное сервису
// подмножество payload, вызывает ровно одну локальную операцию
// и пробрасывает её ошибку в канал событий.

// Имена очередей потребителя сервиса заказов
const (
	QueueProductsEvents = "orders.products-events"
	QueuePaymentsEvents = "orders.payments-events"
)

// inventoryReservedPayload подмножество payload inventory.reserved,
// нужное сервису заказов
type inventoryReservedPayload struct {
	OrderID   string `json:"orderId"`
	ProductID string `json:"productId"`
}

// Validate проверяет схему payload
func (p *inventoryReservedPayload) Validate() error {
	if p.OrderID == "" || p.ProductID == "" {
		return fmt.Errorf("orderId and productId are required")
	}
	return nil
}

// inventoryInsufficientPayload подмножество payload inventory.insufficient
type inventoryInsufficientPayload struct {
	OrderID           string `json:"orderId"`
	ProductID         string `json:"productId"`
	RequestedQuantity int    `json:"requestedQuantity"`
	AvailableQuantity int    `json:"availableQuantity"`
	Reason            string `json:"reason"`
}

// Validate проверяет схему payload
func (p *inventoryInsufficientPayload) Validate() error {
	if p.OrderID == "" || p.ProductID == "" {
		return fmt.Errorf("orderId and productId are required")
	}
	return nil
}

// paymentCompletedPayload подмножество payload payment.completed
type paymentCompletedPayload struct {
	PaymentID     string `json:"paymentId"`
	OrderID       string `json:"orderId"`
	TransactionID string `json:"transactionId"`
}

// Validate проверяет схему payload
func (p *paymentCompletedPayload) Validate() error {
	if p.OrderID == "" || p.PaymentID == "" {
		return fmt.Errorf("orderId and paymentId are required")
	}
	return nil
}

// paymentFailedPayload подмножество payload payment.failed
type paymentFailedPayload struct {
	PaymentID string `json:"paymentId"`
	OrderID   string `json:"orderId"`
	Error     string `json:"error"`
}

// Validate проверяет схему payload
func (p *paymentFailedPayload) Validate() error {
	if p.OrderID == "" {
		return fmt.Errorf("orderId is required")
	}
	return nil
}

// OrderCoordinators координаторы саги сервиса заказов
type OrderCoordinators struct {
	service *OrderService
}

// NewOrderCoordinators создает координаторы поверх сервиса заказов
func NewOrderCoordinators(service *OrderService) *OrderCoordinators {
	return &OrderCoordinators{service: service}
}

// RegisterProductsHandlers регистрирует обработчики очереди products-events
func (c *OrderCoordinators) RegisterProductsHandlers(d *events.Dispatcher) {
	d.Register(events.TypeInventoryReserved, c.HandleInventoryReserved)
	d.Register(events.TypeInventoryInsufficient, c.HandleInventoryInsufficient)
}

// RegisterPaymentsHandlers регистрирует обработчики очереди payments-events
func (c *OrderCoordinators) RegisterPaymentsHandlers(d *events.Dispatcher) {
	d.Register(events.TypePaymentCompleted, c.HandlePaymentCompleted)
	d.Register(events.TypePaymentFailed, c.HandlePaymentFailed)
}

// HandleInventoryReserved отмечает позицию заказа зарезервированной
func (c *OrderCoordinators) HandleInventoryReserved(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodePayload[inventoryReservedPayload](env)
	if err != nil {
		return err
	}
	return c.service.MarkItemReserved(ctx, payload.OrderID, payload.ProductID)
}

// HandleInventoryInsufficient отменяет весь заказ: одной позиции не хватило
func (c *OrderCoordinators) HandleInventoryInsufficient(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodePayload[inventoryInsufficientPayload](env)
	if err != nil {
		return err
	}
	reason := payload.Reason
	if reason == "" {
		reason = fmt.Sprintf("insufficient inventory for product %s: requested %d, available %d",
			payload.ProductID, payload.RequestedQuantity, payload.AvailableQuantity)
	}
	return c.service.CancelForReservationFailure(ctx, payload.OrderID, reason)
}

// HandlePaymentCompleted переводит заказ в processing
func (c *OrderCoordinators) HandlePaymentCompleted(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodePayload[paymentCompletedPayload](env)
	if err != nil {
		return err
	}
	return c.service.ApplyPaymentCompleted(ctx, payload.OrderID, payload.PaymentID, payload.TransactionID)
}

// HandlePaymentFailed отменяет заказ по неуспешному платежу
func (c *OrderCoordinators) HandlePaymentFailed(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodePayload[paymentFailedPayload](env)
	if err != nil {
		return err
	}
	reason := payload.Error
	if reason == "" {
		reason = "payment declined"
	}
	return c.service.ApplyPaymentFailed(ctx, payload.OrderID, reason)
}
