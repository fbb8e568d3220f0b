package application_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/events"
	"github.com/Mohmdhamad/oms-microservices/internal/orders/application"
	"github.com/Mohmdhamad/oms-microservices/internal/orders/domain"
	"github.com/Mohmdhamad/oms-microservices/internal/orders/infrastructure"
)

// recordingBus собирает опубликованные события вместо брокера
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

func newService(t *testing.T, autoConfirm bool) (*application.OrderService, *recordingBus) {
	t.Helper()
	bus := &recordingBus{}
	publisher := events.NewPublisher(bus, "orders-service", nil)
	store := infrastructure.NewMemoryOrderStore()
	service := application.NewOrderService(store, publisher,
		application.SagaPolicy{AutoConfirm: autoConfirm}, nil)
	return service, bus
}

func createOrder(t *testing.T, service *application.OrderService) *domain.Order {
	t.Helper()
	order, err := service.CreateOrder(context.Background(), domain.NewOrderInput{
		UserID: "user-1",
		Items: []domain.NewItemInput{
			{ProductID: "product-1", Quantity: 2, UnitPrice: decimal.NewFromInt(10)},
			{ProductID: "product-2", Quantity: 1, UnitPrice: decimal.NewFromInt(25)},
		},
	})
	require.NoError(t, err)
	return order
}

func TestCreateOrderPublishesEvent(t *testing.T) {
	service, bus := newService(t, true)
	order := createOrder(t, service)

	created := bus.published(events.TypeOrderCreated)
	require.Len(t, created, 1)
	assert.Equal(t, order.ID, created[0].CorrelationID)

	var payload application.OrderCreatedPayload
	require.NoError(t, json.Unmarshal(created[0].Payload, &payload))
	assert.Equal(t, order.ID, payload.OrderID)
	assert.Len(t, payload.Items, 2)
}

func TestAutoConfirmAfterFullReservation(t *testing.T) {
	service, bus := newService(t, true)
	order := createOrder(t, service)
	ctx := context.Background()

	require.NoError(t, service.MarkItemReserved(ctx, order.ID, "product-1"))
	got, err := service.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "partial reservation must not confirm")

	require.NoError(t, service.MarkItemReserved(ctx, order.ID, "product-2"))
	got, err = service.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	assert.Len(t, bus.published(events.TypeOrderConfirmed), 1)
}

func TestManualConfirmWhenAutoConfirmDisabled(t *testing.T) {
	service, bus := newService(t, false)
	order := createOrder(t, service)
	ctx := context.Background()

	require.NoError(t, service.MarkItemReserved(ctx, order.ID, "product-1"))
	require.NoError(t, service.MarkItemReserved(ctx, order.ID, "product-2"))

	got, err := service.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, bus.published(events.TypeOrderConfirmed))

	_, err = service.ConfirmOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, bus.published(events.TypeOrderConfirmed), 1)

	// Повторное подтверждение не публикует второе событие
	_, err = service.ConfirmOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, bus.published(events.TypeOrderConfirmed), 1)
}

func TestMarkItemReservedIsIdempotent(t *testing.T) {
	service, bus := newService(t, true)
	order := createOrder(t, service)
	ctx := context.Background()

	require.NoError(t, service.MarkItemReserved(ctx, order.ID, "product-1"))
	require.NoError(t, service.MarkItemReserved(ctx, order.ID, "product-1"))

	got, err := service.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, bus.published(events.TypeOrderConfirmed))
}

func TestCancelForReservationFailure(t *testing.T) {
	service, bus := newService(t, true)
	order := createOrder(t, service)
	ctx := context.Background()

	reason := "insufficient inventory for product product-2: requested 1, available 0"
	require.NoError(t, service.CancelForReservationFailure(ctx, order.ID, reason))

	got, err := service.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.NotNil(t, got.CancelledAt)
	assert.Contains(t, got.Notes, reason)

	cancelled := bus.published(events.TypeOrderCancelled)
	require.Len(t, cancelled, 1)
	var payload application.OrderCancelledPayload
	require.NoError(t, json.Unmarshal(cancelled[0].Payload, &payload))
	assert.Len(t, payload.Items, 2, "cancellation must carry the full original item list")

	// Компенсация терпима к повторному вызову
	require.NoError(t, service.CancelForReservationFailure(ctx, order.ID, reason))
	assert.Len(t, bus.published(events.TypeOrderCancelled), 1)
}

func TestApplyPaymentCompleted(t *testing.T) {
	service, _ := newService(t, true)
	order := createOrder(t, service)
	ctx := context.Background()

	require.NoError(t, service.ApplyPaymentCompleted(ctx, order.ID, "pay-1", "txn-1"))

	got, err := service.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, "pay-1", got.PaymentID)
	assert.Equal(t, "txn-1", got.TransactionID)

	// Повторная доставка того же платежа - no-op
	require.NoError(t, service.ApplyPaymentCompleted(ctx, order.ID, "pay-1", "txn-1"))
}

func TestApplyPaymentFailedCancels(t *testing.T) {
	service, bus := newService(t, true)
	order := createOrder(t, service)
	ctx := context.Background()

	require.NoError(t, service.ApplyPaymentFailed(ctx, order.ID, "card declined"))

	got, err := service.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Len(t, bus.published(events.TypeOrderCancelled), 1)

	require.NoError(t, service.ApplyPaymentFailed(ctx, order.ID, "card declined"))
	assert.Len(t, bus.published(events.TypeOrderCancelled), 1)
}

func TestShipOrderLifecycle(t *testing.T) {
	service, bus := newService(t, true)
	order := createOrder(t, service)
	ctx := context.Background()

	require.NoError(t, service.MarkItemReserved(ctx, order.ID, "product-1"))
	require.NoError(t, service.MarkItemReserved(ctx, order.ID, "product-2"))
	require.NoError(t, service.ApplyPaymentCompleted(ctx, order.ID, "pay-1", "txn-1"))

	_, err := service.ShipOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, bus.published(events.TypeOrderShipped), 1)

	got, err := service.GetOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusShipped, got.Status)
}

func TestShipPendingOrderFails(t *testing.T) {
	service, _ := newService(t, true)
	order := createOrder(t, service)

	_, err := service.ShipOrder(context.Background(), order.ID)
	require.Error(t, err)
	assert.Equal(t, core.CodeInvalidState, core.CodeOf(err))
}

func TestGetMissingOrder(t *testing.T) {
	service, _ := newService(t, true)

	_, err := service.GetOrder(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, core.CodeNotFound, core.CodeOf(err))
}
