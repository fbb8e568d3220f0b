package application

import (
	"time"

	"github.com/Mohmdhamad/oms-microservices/internal/inventory/domain"
)

// Публикуемые payload сервиса склада

// InventoryReservedPayload payload события inventory.reserved
type InventoryReservedPayload struct {
	ReservationID string    `json:"reservationId"`
	OrderID       string    `json:"orderId"`
	ProductID     string    `json:"productId"`
	WarehouseID   string    `json:"warehouseId"`
	Quantity      int       `json:"quantity"`
	ReservedAt    time.Time `json:"reservedAt"`
}

// InventoryInsufficientPayload payload события inventory.insufficient
type InventoryInsufficientPayload struct {
	OrderID           string `json:"orderId"`
	ProductID         string `json:"productId"`
	WarehouseID       string `json:"warehouseId"`
	RequestedQuantity int    `json:"requestedQuantity"`
	AvailableQuantity int    `json:"availableQuantity"`
	Reason            string `json:"reason"`
}

func inventoryReservedPayload(res *domain.Reservation) InventoryReservedPayload {
	return InventoryReservedPayload{
		ReservationID: res.ID,
		OrderID:       res.OrderID,
		ProductID:     res.ProductID,
		WarehouseID:   res.WarehouseID,
		Quantity:      res.Quantity,
		ReservedAt:    res.CreatedAt,
	}
}

func inventoryInsufficientPayload(shortfall *ShortfallError) InventoryInsufficientPayload {
	return InventoryInsufficientPayload{
		OrderID:           shortfall.OrderID,
		ProductID:         shortfall.ProductID,
		WarehouseID:       shortfall.WarehouseID,
		RequestedQuantity: shortfall.Requested,
		AvailableQuantity: shortfall.Available,
		Reason:            shortfall.Error(),
	}
}
