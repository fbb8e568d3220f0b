package domain

import (
	"fmt"
	"time"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
)

// Статусы резервирования
const (
	ReservationPending   = "pending"
	ReservationConfirmed = "confirmed"
	ReservationReleased  = "released"
)

// Inventory запись остатка: количество товара на конкретном складе.
// Quantity это физический остаток; доступное количество вычисляется
// как Quantity минус сумма незакрытых резервов.
type Inventory struct {
	ProductID   string    `json:"productId"`
	WarehouseID string    `json:"warehouseId"`
	Quantity    int       `json:"quantity"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Reservation резерв под позицию заказа. Резерв уменьшает доступное
// количество, не изменяя физический остаток.
type Reservation struct {
	ID          string    `json:"id"`
	OrderID     string    `json:"orderId"`
	ProductID   string    `json:"productId"`
	WarehouseID string    `json:"warehouseId"`
	Quantity    int       `json:"quantity"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// StockUpdate элемент массового обновления остатков
type StockUpdate struct {
	ProductID   string `json:"productId"`
	WarehouseID string `json:"warehouseId"`
	Quantity    int    `json:"quantity"`
}

// Validate проверяет элемент обновления
func (u StockUpdate) Validate() error {
	if u.ProductID == "" {
		return core.NewValidation("product id is required")
	}
	if u.WarehouseID == "" {
		return core.NewValidation("warehouse id is required")
	}
	if u.Quantity < 0 {
		return core.NewValidation(fmt.Sprintf("quantity must be non-negative, got %d", u.Quantity))
	}
	return nil
}

// Доступное количество: физический остаток минус активные резервы
func Available(stock int, reserved int) int {
	available := stock - reserved
	if available < 0 {
		return 0
	}
	return available
}
