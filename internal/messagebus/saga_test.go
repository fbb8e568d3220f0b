package messagebus_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mohmdhamad/oms-microservices/internal/events"
	"github.com/Mohmdhamad/oms-microservices/internal/idempotency"
	invapp "github.com/Mohmdhamad/oms-microservices/internal/inventory/application"
	invdomain "github.com/Mohmdhamad/oms-microservices/internal/inventory/domain"
	invinfra "github.com/Mohmdhamad/oms-microservices/internal/inventory/infrastructure"
	"github.com/Mohmdhamad/oms-microservices/internal/messagebus"
	ordersapp "github.com/Mohmdhamad/oms-microservices/internal/orders/application"
	"github.com/Mohmdhamad/oms-microservices/internal/orders/domain"
	ordersinfra "github.com/Mohmdhamad/oms-microservices/internal/orders/infrastructure"
	"github.com/Mohmdhamad/oms-microservices/internal/transport"
)

// sagaFixture оба сервиса, связанные одной шиной в памяти
type sagaFixture struct {
	bus         *messagebus.InMemoryAdapter
	orders      *ordersapp.OrderService
	ordersStore *ordersinfra.MemoryOrderStore
	inventory   *invapp.LedgerService
	invStore    *invinfra.MemoryInventoryStore
	payments    *events.Publisher

	mu       sync.Mutex
	observed map[string]int
}

func newSagaFixture(t *testing.T, autoConfirm bool) *sagaFixture {
	t.Helper()
	ctx := context.Background()

	bus := messagebus.NewInMemoryAdapter(messagebus.InMemoryConfig{
		BufferSize: 64,
		Retry:      transport.RetryPolicy{MaxDeliver: 3, BackoffDelay: time.Millisecond},
	})
	require.NoError(t, bus.Start(ctx))
	t.Cleanup(func() { _ = bus.Stop(context.Background()) })

	f := &sagaFixture{bus: bus, observed: make(map[string]int)}

	// orders-service
	f.ordersStore = ordersinfra.NewMemoryOrderStore()
	ordersPub := events.NewPublisher(bus, "orders-service", nil)
	f.orders = ordersapp.NewOrderService(f.ordersStore, ordersPub,
		ordersapp.SagaPolicy{AutoConfirm: autoConfirm}, nil)
	ordersCoord := ordersapp.NewOrderCoordinators(f.orders)

	productsDispatcher := events.NewDispatcher(ordersapp.QueueProductsEvents, idempotency.NewMemoryLedger(), nil)
	ordersCoord.RegisterProductsHandlers(productsDispatcher)
	require.NoError(t, bus.Subscribe(ctx, transport.QueueSpec{
		Queue:    ordersapp.QueueProductsEvents,
		Bindings: []transport.Binding{{Exchange: transport.ExchangeProducts, Pattern: "inventory.*"}},
	}, productsDispatcher.Handler()))

	paymentsDispatcher := events.NewDispatcher(ordersapp.QueuePaymentsEvents, idempotency.NewMemoryLedger(), nil)
	ordersCoord.RegisterPaymentsHandlers(paymentsDispatcher)
	require.NoError(t, bus.Subscribe(ctx, transport.QueueSpec{
		Queue:    ordersapp.QueuePaymentsEvents,
		Bindings: []transport.Binding{{Exchange: transport.ExchangePayments, Pattern: "payment.*"}},
	}, paymentsDispatcher.Handler()))

	// inventory-service
	f.invStore = invinfra.NewMemoryInventoryStore()
	invPub := events.NewPublisher(bus, "inventory-service", nil)
	f.inventory = invapp.NewLedgerService(f.invStore, invPub, nil)
	invCoord := invapp.NewInventoryCoordinators(f.inventory, "wh-1", nil)

	ordersDispatcher := events.NewDispatcher(invapp.QueueOrdersEvents, idempotency.NewMemoryLedger(), nil)
	invCoord.RegisterOrdersHandlers(ordersDispatcher)
	require.NoError(t, bus.Subscribe(ctx, transport.QueueSpec{
		Queue:    invapp.QueueOrdersEvents,
		Bindings: []transport.Binding{{Exchange: transport.ExchangeOrders, Pattern: "order.*"}},
	}, ordersDispatcher.Handler()))

	// Наблюдатель всех событий, для утверждений о количестве публикаций
	require.NoError(t, bus.Subscribe(ctx, transport.QueueSpec{
		Queue: "test.observer",
		Bindings: []transport.Binding{
			{Exchange: transport.ExchangeOrders, Pattern: "#"},
			{Exchange: transport.ExchangeProducts, Pattern: "#"},
			{Exchange: transport.ExchangePayments, Pattern: "#"},
		},
	}, func(ctx context.Context, msg *transport.Message) error {
		f.mu.Lock()
		f.observed[msg.RoutingKey]++
		f.mu.Unlock()
		return nil
	}))

	// payments-service существует в тестах только как публикатор
	f.payments = events.NewPublisher(bus, "payments-service", nil)

	return f
}

func (f *sagaFixture) seen(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observed[eventType]
}

func (f *sagaFixture) seedStock(t *testing.T, productID string, quantity int) {
	t.Helper()
	require.NoError(t, f.inventory.Update(context.Background(), invdomain.StockUpdate{
		ProductID:   productID,
		WarehouseID: "wh-1",
		Quantity:    quantity,
	}))
}

func (f *sagaFixture) createOrder(t *testing.T, items ...domain.NewItemInput) *domain.Order {
	t.Helper()
	order, err := f.orders.CreateOrder(context.Background(), domain.NewOrderInput{
		UserID: "user-1",
		Items:  items,
	})
	require.NoError(t, err)
	return order
}

func (f *sagaFixture) noDeadLetters(t *testing.T) {
	t.Helper()
	for _, queue := range []string{ordersapp.QueueProductsEvents, ordersapp.QueuePaymentsEvents, invapp.QueueOrdersEvents} {
		assert.Empty(t, f.bus.DeadLetters(queue), "unexpected dead letters in %s", queue)
	}
}

func item(productID string, qty int) domain.NewItemInput {
	return domain.NewItemInput{ProductID: productID, Quantity: qty, UnitPrice: decimal.NewFromInt(10)}
}

// Частичный резерв: вторая позиция не обеспечена, заказ отменяется,
// резерв первой позиции освобождается компенсацией
func TestSagaInsufficientInventoryCancelsOrder(t *testing.T) {
	f := newSagaFixture(t, true)
	f.seedStock(t, "product-1", 5)
	f.seedStock(t, "product-2", 0)

	order := f.createOrder(t, item("product-1", 2), item("product-2", 1))
	f.bus.WaitIdle()

	got, err := f.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Contains(t, got.Notes, "insufficient inventory")

	for _, res := range f.invStore.Reservations(order.ID) {
		assert.Equal(t, invdomain.ReservationReleased, res.Status)
	}
	_, available, err := f.inventory.GetStock(context.Background(), "product-1", "wh-1")
	require.NoError(t, err)
	assert.Equal(t, 5, available, "compensation must return the reserved quantity")

	assert.Equal(t, 1, f.seen(events.TypeOrderCancelled))
	f.noDeadLetters(t)
}

// Успешный резерв и оплата: заказ подтверждается и переходит в processing
func TestSagaPaymentCompletedMovesOrderToProcessing(t *testing.T) {
	f := newSagaFixture(t, true)
	f.seedStock(t, "product-1", 10)
	f.seedStock(t, "product-2", 10)

	order := f.createOrder(t, item("product-1", 2), item("product-2", 1))
	f.bus.WaitIdle()

	got, err := f.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	assert.Equal(t, 2, f.seen(events.TypeInventoryReserved))
	assert.Equal(t, 1, f.seen(events.TypeOrderConfirmed))

	err = f.payments.Publish(context.Background(), events.TypePaymentCompleted, map[string]string{
		"paymentId":     "pay-1",
		"orderId":       order.ID,
		"transactionId": "txn-1",
	}, events.WithCorrelationID(order.ID))
	require.NoError(t, err)
	f.bus.WaitIdle()

	got, err = f.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, "pay-1", got.PaymentID)
	assert.Equal(t, "txn-1", got.TransactionID)
	f.noDeadLetters(t)
}

// Неуспешная оплата: заказ отменяется, резервы освобождаются
func TestSagaPaymentFailedCancelsAndReleases(t *testing.T) {
	f := newSagaFixture(t, true)
	f.seedStock(t, "product-1", 10)

	order := f.createOrder(t, item("product-1", 4))
	f.bus.WaitIdle()

	got, err := f.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusConfirmed, got.Status)

	err = f.payments.Publish(context.Background(), events.TypePaymentFailed, map[string]string{
		"paymentId": "pay-1",
		"orderId":   order.ID,
		"error":     "card declined",
	}, events.WithCorrelationID(order.ID))
	require.NoError(t, err)
	f.bus.WaitIdle()

	got, err = f.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.Contains(t, got.Notes, "card declined")

	_, available, err := f.inventory.GetStock(context.Background(), "product-1", "wh-1")
	require.NoError(t, err)
	assert.Equal(t, 10, available)
	f.noDeadLetters(t)
}

// Повторная доставка inventory.reserved: позиция отмечается ровно один раз,
// дубликат отбрасывается журналом обработанных событий
func TestSagaRedeliveredReservationIsIgnored(t *testing.T) {
	f := newSagaFixture(t, true)
	f.seedStock(t, "product-1", 10)
	f.seedStock(t, "product-2", 10)

	order := f.createOrder(t, item("product-1", 1), item("product-2", 1))
	f.bus.WaitIdle()
	require.Equal(t, 1, f.seen(events.TypeOrderConfirmed))

	// Симулируем повтор брокера: тот же конверт публикуется еще раз
	env, err := events.NewEnvelope(events.TypeInventoryReserved, "inventory-service",
		invapp.InventoryReservedPayload{
			ReservationID: "res-dup",
			OrderID:       order.ID,
			ProductID:     "product-1",
			WarehouseID:   "wh-1",
			Quantity:      1,
		})
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, f.bus.Publish(context.Background(),
			transport.ExchangeProducts, events.TypeInventoryReserved, data, nil))
	}
	f.bus.WaitIdle()

	got, err := f.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusConfirmed, got.Status)
	assert.Equal(t, 1, f.seen(events.TypeOrderConfirmed), "redelivery must not confirm twice")
	f.noDeadLetters(t)
}

// Ручное подтверждение: при выключенном auto-confirm заказ ждет оператора
func TestSagaManualConfirmFlow(t *testing.T) {
	f := newSagaFixture(t, false)
	f.seedStock(t, "product-1", 10)

	order := f.createOrder(t, item("product-1", 1))
	f.bus.WaitIdle()

	got, err := f.orders.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.True(t, got.FullyReserved())

	_, err = f.orders.ConfirmOrder(context.Background(), order.ID)
	require.NoError(t, err)
	f.bus.WaitIdle()
	assert.Equal(t, 1, f.seen(events.TypeOrderConfirmed))
	f.noDeadLetters(t)
}

// Отклоненный payload: событие с невалидной схемой уходит в dead-letter,
// а не в бесконечный requeue
func TestSagaInvalidPayloadGoesToDeadLetter(t *testing.T) {
	f := newSagaFixture(t, true)

	env, err := events.NewEnvelope(events.TypePaymentCompleted, "payments-service",
		map[string]string{"paymentId": "pay-1"}) // нет orderId
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	require.NoError(t, f.bus.Publish(context.Background(),
		transport.ExchangePayments, events.TypePaymentCompleted, data, nil))
	f.bus.WaitIdle()

	dead := f.bus.DeadLetters(ordersapp.QueuePaymentsEvents)
	require.Len(t, dead, 1, "schema rejection must dead-letter after a single delivery")
}
