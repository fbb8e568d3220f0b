package application_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/events"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/application"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/domain"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/infrastructure"
)

type recordingBus struct {
	mu        sync.Mutex
	envelopes []*events.Envelope
}

func (b *recordingBus) Publish(ctx context.Context, exchange, routingKey string, data []byte, headers map[string]string) error {
	var env events.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	b.mu.Lock()
	b.envelopes = append(b.envelopes, &env)
	b.mu.Unlock()
	return nil
}

func (b *recordingBus) published(eventType string) []*events.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*events.Envelope
	for _, env := range b.envelopes {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func newLedger(t *testing.T) (*application.LedgerService, *infrastructure.MemoryInventoryStore, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	publisher := events.NewPublisher(bus, "inventory-service", nil)
	store := infrastructure.NewMemoryInventoryStore()
	return application.NewLedgerService(store, publisher, nil), store, bus
}

func seedStock(t *testing.T, service *application.LedgerService, productID string, quantity int) {
	t.Helper()
	err := service.Update(context.Background(), domain.StockUpdate{
		ProductID:   productID,
		WarehouseID: "wh-1",
		Quantity:    quantity,
	})
	require.NoError(t, err)
}

func TestReservePublishesReserved(t *testing.T) {
	service, _, bus := newLedger(t)
	seedStock(t, service, "product-1", 10)

	res, err := service.Reserve(context.Background(), "order-1", "product-1", "wh-1", 3)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationPending, res.Status)
	assert.Equal(t, 3, res.Quantity)

	reserved := bus.published(events.TypeInventoryReserved)
	require.Len(t, reserved, 1)

	var payload application.InventoryReservedPayload
	require.NoError(t, json.Unmarshal(reserved[0].Payload, &payload))
	assert.Equal(t, "order-1", payload.OrderID)
	assert.Equal(t, "product-1", payload.ProductID)
	assert.Equal(t, 3, payload.Quantity)

	_, available, err := service.GetStock(context.Background(), "product-1", "wh-1")
	require.NoError(t, err)
	assert.Equal(t, 7, available)
}

func TestReserveShortfallLeavesStockUntouched(t *testing.T) {
	service, _, bus := newLedger(t)
	seedStock(t, service, "product-1", 2)

	_, err := service.Reserve(context.Background(), "order-1", "product-1", "wh-1", 5)
	require.Error(t, err)

	var shortfall *application.ShortfallError
	require.True(t, errors.As(err, &shortfall))
	assert.Equal(t, 5, shortfall.Requested)
	assert.Equal(t, 2, shortfall.Available)

	insufficient := bus.published(events.TypeInventoryInsufficient)
	require.Len(t, insufficient, 1)
	var payload application.InventoryInsufficientPayload
	require.NoError(t, json.Unmarshal(insufficient[0].Payload, &payload))
	assert.Equal(t, 5, payload.RequestedQuantity)
	assert.Equal(t, 2, payload.AvailableQuantity)
	assert.NotEmpty(t, payload.Reason)

	// Нехватка не резервирует частично
	_, available, err := service.GetStock(context.Background(), "product-1", "wh-1")
	require.NoError(t, err)
	assert.Equal(t, 2, available)
	assert.Empty(t, bus.published(events.TypeInventoryReserved))
}

func TestReserveIsDeterministicPerOrder(t *testing.T) {
	service, _, _ := newLedger(t)
	seedStock(t, service, "product-1", 5)

	first, err := service.Reserve(context.Background(), "order-1", "product-1", "wh-1", 2)
	require.NoError(t, err)

	// Повторная доставка order.created не создает второй резерв
	second, err := service.Reserve(context.Background(), "order-1", "product-1", "wh-1", 2)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, available, err := service.GetStock(context.Background(), "product-1", "wh-1")
	require.NoError(t, err)
	assert.Equal(t, 3, available)
}

func TestNoOversellUnderConcurrency(t *testing.T) {
	service, store, _ := newLedger(t)
	seedStock(t, service, "product-1", 5)

	const workers = 20
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := service.Reserve(context.Background(),
				fmt.Sprintf("order-%d", n), "product-1", "wh-1", 1)
			results <- err
		}(i)
	}
	wg.Wait()
	close(results)

	succeeded, failed := 0, 0
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		var shortfall *application.ShortfallError
		require.True(t, errors.As(err, &shortfall), "unexpected error: %v", err)
		failed++
	}

	assert.Equal(t, 5, succeeded, "exactly the on-hand quantity must be reservable")
	assert.Equal(t, workers-5, failed)

	inv, pending, err := store.Get(context.Background(), "product-1", "wh-1")
	require.NoError(t, err)
	assert.LessOrEqual(t, pending, inv.Quantity, "pending reservations must never exceed on-hand stock")
}

func TestReleaseIsIdempotent(t *testing.T) {
	service, store, _ := newLedger(t)
	seedStock(t, service, "product-1", 5)

	_, err := service.Reserve(context.Background(), "order-1", "product-1", "wh-1", 2)
	require.NoError(t, err)

	require.NoError(t, service.Release(context.Background(), "order-1", "product-1"))

	_, available, err := service.GetStock(context.Background(), "product-1", "wh-1")
	require.NoError(t, err)
	assert.Equal(t, 5, available)

	// Повторное освобождение и освобождение без резервов - no-op
	require.NoError(t, service.Release(context.Background(), "order-1", "product-1"))
	require.NoError(t, service.Release(context.Background(), "order-404", "product-1"))

	for _, res := range store.Reservations("order-1") {
		assert.Equal(t, domain.ReservationReleased, res.Status)
	}
}

func TestBatchUpdate(t *testing.T) {
	service, _, _ := newLedger(t)

	updates := []domain.StockUpdate{
		{ProductID: "product-1", WarehouseID: "wh-1", Quantity: 10},
		{ProductID: "product-2", WarehouseID: "wh-1", Quantity: 0},
		{ProductID: "product-1", WarehouseID: "wh-2", Quantity: 7},
	}
	count, err := service.BatchUpdate(context.Background(), updates)
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	_, available, err := service.GetStock(context.Background(), "product-1", "wh-2")
	require.NoError(t, err)
	assert.Equal(t, 7, available)
}

func TestBatchUpdateValidation(t *testing.T) {
	service, _, _ := newLedger(t)
	ctx := context.Background()

	_, err := service.BatchUpdate(ctx, nil)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))

	oversize := make([]domain.StockUpdate, application.MaxBatchSize+1)
	for i := range oversize {
		oversize[i] = domain.StockUpdate{ProductID: fmt.Sprintf("p-%d", i), WarehouseID: "wh-1", Quantity: 1}
	}
	_, err = service.BatchUpdate(ctx, oversize)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))

	// Одна невалидная запись отклоняет весь пакет
	_, err = service.BatchUpdate(ctx, []domain.StockUpdate{
		{ProductID: "product-1", WarehouseID: "wh-1", Quantity: 10},
		{ProductID: "", WarehouseID: "wh-1", Quantity: 5},
	})
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))

	_, _, err = service.GetStock(ctx, "product-1", "wh-1")
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err), "rejected batch must not be partially applied")
}

func TestReserveValidation(t *testing.T) {
	service, _, _ := newLedger(t)
	ctx := context.Background()

	_, err := service.Reserve(ctx, "", "product-1", "wh-1", 1)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))

	_, err = service.Reserve(ctx, "order-1", "product-1", "wh-1", 0)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))

	_, err = service.Reserve(ctx, "order-1", "product-1", "", 1)
	assert.Equal(t, core.CodeValidation, core.CodeOf(err))
}
