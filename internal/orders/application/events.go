package application

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mohmdhamad/oms-microservices/internal/orders/domain"
)

// Публикуемые payload сервиса заказов. Потребители на другой стороне
// границы объявляют собственные подмножества этих схем.

// OrderCreatedPayload payload события order.created
type OrderCreatedPayload struct {
	OrderID         string             `json:"orderId"`
	UserID          string             `json:"userId"`
	Items           []OrderItemPayload `json:"items"`
	WarehouseID     string             `json:"warehouseId,omitempty"`
	ShippingAddress domain.Address     `json:"shippingAddress"`
	TotalAmount     decimal.Decimal    `json:"totalAmount"`
	CreatedAt       time.Time          `json:"createdAt"`
}

// OrderItemPayload позиция заказа в событии
type OrderItemPayload struct {
	ProductID   string          `json:"productId"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	WarehouseID string          `json:"warehouseId,omitempty"`
}

// OrderCancelledPayload payload события order.cancelled.
// Несет полный исходный список позиций, чтобы склад освободил
// ровно то, что было зарезервировано.
type OrderCancelledPayload struct {
	OrderID     string                      `json:"orderId"`
	UserID      string                      `json:"userId"`
	Items       []CancelledItemPayload      `json:"items"`
	Reason      string                      `json:"reason"`
	CancelledAt time.Time                   `json:"cancelledAt"`
}

// CancelledItemPayload позиция отмененного заказа
type CancelledItemPayload struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// OrderConfirmedPayload payload события order.confirmed
type OrderConfirmedPayload struct {
	OrderID     string    `json:"orderId"`
	UserID      string    `json:"userId"`
	ConfirmedAt time.Time `json:"confirmedAt"`
}

// OrderShippedPayload payload события order.shipped
type OrderShippedPayload struct {
	OrderID   string    `json:"orderId"`
	UserID    string    `json:"userId"`
	ShippedAt time.Time `json:"shippedAt"`
}

func orderCreatedPayload(order *domain.Order) OrderCreatedPayload {
	items := make([]OrderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, OrderItemPayload{
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			WarehouseID: item.WarehouseID,
		})
	}
	return OrderCreatedPayload{
		OrderID:         order.ID,
		UserID:          order.UserID,
		Items:           items,
		WarehouseID:     order.WarehouseID,
		ShippingAddress: order.ShippingAddress,
		TotalAmount:     order.TotalAmount,
		CreatedAt:       order.CreatedAt,
	}
}

func orderCancelledPayload(order *domain.Order, reason string) OrderCancelledPayload {
	items := make([]CancelledItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, CancelledItemPayload{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
		})
	}
	cancelledAt := time.Now().UTC()
	if order.CancelledAt != nil {
		cancelledAt = *order.CancelledAt
	}
	return OrderCancelledPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		Items:       items,
		Reason:      reason,
		CancelledAt: cancelledAt,
	}
}

func orderConfirmedPayload(order *domain.Order) OrderConfirmedPayload {
	return OrderConfirmedPayload{
		OrderID:     order.ID,
		UserID:      order.UserID,
		ConfirmedAt: time.Now().UTC(),
	}
}

func orderShippedPayload(order *domain.Order) OrderShippedPayload {
	return OrderShippedPayload{
		OrderID:   order.ID,
		UserID:    order.UserID,
		ShippedAt: time.Now().UTC(),
	}
}
