package application_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/events"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/application"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/domain"
)

type createdItem struct {
	ProductID   string `json:"productId"`
	Quantity    int    `json:"quantity"`
	WarehouseID string `json:"warehouseId,omitempty"`
}

type createdEvent struct {
	OrderID     string        `json:"orderId"`
	UserID      string        `json:"userId"`
	WarehouseID string        `json:"warehouseId,omitempty"`
	Items       []createdItem `json:"items"`
}

func handleCreated(t *testing.T, c *application.InventoryCoordinators, payload createdEvent) error {
	t.Helper()
	env, err := events.NewEnvelope(events.TypeOrderCreated, "orders-service", payload)
	require.NoError(t, err)
	return c.HandleOrderCreated(context.Background(), env)
}

func TestWarehousePrecedence(t *testing.T) {
	service, store, _ := newLedger(t)
	coordinators := application.NewInventoryCoordinators(service, "wh-default", nil)

	for _, wh := range []string{"wh-item", "wh-order", "wh-default"} {
		require.NoError(t, service.Update(context.Background(), domain.StockUpdate{
			ProductID: "product-1", WarehouseID: wh, Quantity: 10,
		}))
	}

	// Склад позиции сильнее склада заказа
	err := handleCreated(t, coordinators, createdEvent{
		OrderID:     "order-1",
		UserID:      "user-1",
		WarehouseID: "wh-order",
		Items:       []createdItem{{ProductID: "product-1", Quantity: 1, WarehouseID: "wh-item"}},
	})
	require.NoError(t, err)

	// Склад заказа сильнее склада по умолчанию
	err = handleCreated(t, coordinators, createdEvent{
		OrderID:     "order-2",
		UserID:      "user-1",
		WarehouseID: "wh-order",
		Items:       []createdItem{{ProductID: "product-1", Quantity: 1}},
	})
	require.NoError(t, err)

	// Ничего не указано: используется склад по умолчанию
	err = handleCreated(t, coordinators, createdEvent{
		OrderID: "order-3",
		UserID:  "user-1",
		Items:   []createdItem{{ProductID: "product-1", Quantity: 1}},
	})
	require.NoError(t, err)

	wantWarehouse := map[string]string{
		"order-1": "wh-item",
		"order-2": "wh-order",
		"order-3": "wh-default",
	}
	for orderID, warehouse := range wantWarehouse {
		reservations := store.Reservations(orderID)
		require.Len(t, reservations, 1, "order %s", orderID)
		assert.Equal(t, warehouse, reservations[0].WarehouseID, "order %s", orderID)
	}
}

func TestHandleOrderCreatedRejectsBadSchema(t *testing.T) {
	service, _, _ := newLedger(t)
	coordinators := application.NewInventoryCoordinators(service, "wh-1", nil)

	err := handleCreated(t, coordinators, createdEvent{OrderID: "", Items: nil})
	require.Error(t, err)
	assert.True(t, core.IsPermanent(err), "schema rejection must be permanent")
}

func TestHandleOrderCancelledReleases(t *testing.T) {
	service, store, _ := newLedger(t)
	coordinators := application.NewInventoryCoordinators(service, "wh-1", nil)

	require.NoError(t, service.Update(context.Background(), domain.StockUpdate{
		ProductID: "product-1", WarehouseID: "wh-1", Quantity: 10,
	}))
	_, err := service.Reserve(context.Background(), "order-1", "product-1", "wh-1", 4)
	require.NoError(t, err)

	env, err := events.NewEnvelope(events.TypeOrderCancelled, "orders-service", map[string]interface{}{
		"orderId": "order-1",
		"items":   []map[string]interface{}{{"productId": "product-1", "quantity": 4}},
	})
	require.NoError(t, err)

	require.NoError(t, coordinators.HandleOrderCancelled(context.Background(), env))
	for _, res := range store.Reservations("order-1") {
		assert.Equal(t, domain.ReservationReleased, res.Status)
	}

	// Повторная доставка компенсации безопасна
	require.NoError(t, coordinators.HandleOrderCancelled(context.Background(), env))
}

func TestShortfallOnAnyItemStopsReservation(t *testing.T) {
	service, store, bus := newLedger(t)
	coordinators := application.NewInventoryCoordinators(service, "wh-1", nil)

	require.NoError(t, service.Update(context.Background(), domain.StockUpdate{
		ProductID: "product-1", WarehouseID: "wh-1", Quantity: 10,
	}))
	// product-2 отсутствует на складе

	err := handleCreated(t, coordinators, createdEvent{
		OrderID: "order-1",
		UserID:  "user-1",
		Items: []createdItem{
			{ProductID: "product-1", Quantity: 2},
			{ProductID: "product-2", Quantity: 1},
		},
	})
	require.NoError(t, err, "shortfall is resolved by compensation, not redelivery")

	require.Len(t, bus.published(events.TypeInventoryReserved), 1)
	require.Len(t, bus.published(events.TypeInventoryInsufficient), 1)
	assert.NotEmpty(t, store.Reservations("order-1"))
}
