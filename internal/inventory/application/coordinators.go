package application

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Mohmdhamad/oms-microservices/internal/events"
)

// Имя очереди потребителя сервиса склада
const QueueOrdersEvents = "inventory.orders-events"

// orderCreatedPayload подмножество payload order.created, нужное складу
type orderCreatedPayload struct {
	OrderID     string             `json:"orderId"`
	UserID      string             `json:"userId"`
	WarehouseID string             `json:"warehouseId"`
	Items       []orderItemPayload `json:"items"`
}

// Validate проверяет схему payload
func (p *orderCreatedPayload) Validate() error {
	if p.OrderID == "" {
		return fmt.Errorf("orderId is required")
	}
	if len(p.Items) == 0 {
		return fmt.Errorf("items must not be empty")
	}
	for i, item := range p.Items {
		if item.ProductID == "" {
			return fmt.Errorf("items[%d].productId is required", i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("items[%d].quantity must be positive, got %d", i, item.Quantity)
		}
	}
	return nil
}

// orderItemPayload позиция заказа в событии order.created
type orderItemPayload struct {
	ProductID   string `json:"productId"`
	Quantity    int    `json:"quantity"`
	WarehouseID string `json:"warehouseId"`
}

// orderCancelledPayload подмножество payload order.cancelled
type orderCancelledPayload struct {
	OrderID string `json:"orderId"`
	Items   []struct {
		ProductID string `json:"productId"`
		Quantity  int    `json:"quantity"`
	} `json:"items"`
}

// Validate проверяет схему payload
func (p *orderCancelledPayload) Validate() error {
	if p.OrderID == "" {
		return fmt.Errorf("orderId is required")
	}
	return nil
}

// InventoryCoordinators координаторы саги сервиса склада: резерв по
// order.created и компенсация по order.cancelled
type InventoryCoordinators struct {
	service          *LedgerService
	defaultWarehouse string
	logger           *zap.Logger
}

// NewInventoryCoordinators создает координаторы поверх сервиса учета.
// defaultWarehouse используется, когда ни позиция, ни заказ не несут
// идентификатор склада.
func NewInventoryCoordinators(service *LedgerService, defaultWarehouse string, logger *zap.Logger) *InventoryCoordinators {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InventoryCoordinators{
		service:          service,
		defaultWarehouse: defaultWarehouse,
		logger:           logger,
	}
}

// RegisterOrdersHandlers регистрирует обработчики очереди orders-events
func (c *InventoryCoordinators) RegisterOrdersHandlers(d *events.Dispatcher) {
	d.Register(events.TypeOrderCreated, c.HandleOrderCreated)
	d.Register(events.TypeOrderCancelled, c.HandleOrderCancelled)
}

// HandleOrderCreated резервирует каждую позицию заказа. Склад позиции
// имеет приоритет над складом заказа, склад заказа над складом по
// умолчанию. Нехватка по любой позиции уже опубликована сервисом как
// inventory.insufficient и не требует повторной доставки: заказ будет
// отменен, резервы освобождены компенсацией.
func (c *InventoryCoordinators) HandleOrderCreated(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodePayload[orderCreatedPayload](env)
	if err != nil {
		return err
	}

	opts := []events.PublishOption{
		events.WithCorrelationID(env.CorrelationID),
		events.WithCausationID(env.ID),
	}

	for _, item := range payload.Items {
		warehouseID := item.WarehouseID
		if warehouseID == "" {
			warehouseID = payload.WarehouseID
		}
		if warehouseID == "" {
			warehouseID = c.defaultWarehouse
		}

		_, err := c.service.Reserve(ctx, payload.OrderID, item.ProductID, warehouseID, item.Quantity, opts...)
		if err != nil {
			var shortfall *ShortfallError
			if errors.As(err, &shortfall) {
				c.logger.Info("reservation stopped on shortfall",
					zap.String("order_id", payload.OrderID),
					zap.String("product_id", item.ProductID),
				)
				return nil
			}
			return err
		}
	}
	return nil
}

// HandleOrderCancelled освобождает резервы всех позиций заказа.
// Повторная доставка безопасна: освобождение идемпотентно.
func (c *InventoryCoordinators) HandleOrderCancelled(ctx context.Context, env *events.Envelope) error {
	payload, err := events.DecodePayload[orderCancelledPayload](env)
	if err != nil {
		return err
	}

	for _, item := range payload.Items {
		if err := c.service.Release(ctx, payload.OrderID, item.ProductID); err != nil {
			return err
		}
	}
	return nil
}
