// Package application содержит операции сервиса заказов и координаторы саги.
package application

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Mohmdhamad/oms-microservices/internal/events"
	"github.com/Mohmdhamad/oms-microservices/internal/orders/domain"
)

// OrderStore порт хранилища заказов. Заказ, позиции и записи
// резервирования создаются в одной транзакции.
type OrderStore interface {
	// Create сохраняет заказ с позициями и записями резервирования атомарно
	Create(ctx context.Context, order *domain.Order) error
	// Get возвращает заказ с позициями и записями резервирования
	Get(ctx context.Context, id string) (*domain.Order, error)
	// Update сохраняет изменяемые поля заказа (статус, notes, платежные ссылки)
	Update(ctx context.Context, order *domain.Order) error
	// SetTrackingReserved отмечает позицию зарезервированной.
	// Возвращает false, если запись уже была отмечена.
	SetTrackingReserved(ctx context.Context, orderID, productID string) (bool, error)
	// AllReserved сообщает, зарезервированы ли все позиции заказа
	AllReserved(ctx context.Context, orderID string) (bool, error)
}

// SagaPolicy политика саги заказа
type SagaPolicy struct {
	// AutoConfirm подтверждать заказ автоматически после полного резервирования
	AutoConfirm bool
}

// OrderService операции агрегата заказа. Каждый переход, меняющий
// внешне видимый статус, публикует ровно одно событие.
type OrderService struct {
	store     OrderStore
	publisher *events.Publisher
	policy    SagaPolicy
	logger    *zap.Logger
}

// NewOrderService создает сервис заказов
func NewOrderService(store OrderStore, publisher *events.Publisher, policy SagaPolicy, logger *zap.Logger) *OrderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OrderService{
		store:     store,
		publisher: publisher,
		policy:    policy,
		logger:    logger,
	}
}

// CreateOrder создает заказ и публикует order.created
func (s *OrderService) CreateOrder(ctx context.Context, input domain.NewOrderInput) (*domain.Order, error) {
	order, err := domain.NewOrder(input)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to persist order: %w", err)
	}

	if err := s.publisher.Publish(ctx, events.TypeOrderCreated, orderCreatedPayload(order),
		events.WithCorrelationID(order.ID)); err != nil {
		return nil, err
	}

	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("user_id", order.UserID),
		zap.Int("items", len(order.Items)),
	)
	return order, nil
}

// GetOrder возвращает заказ по идентификатору
func (s *OrderService) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	return s.store.Get(ctx, id)
}

// ConfirmOrder подтверждает заказ и публикует order.confirmed
func (s *OrderService) ConfirmOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	alreadyConfirmed := order.Status == domain.StatusConfirmed
	if err := order.Confirm(); err != nil {
		return nil, err
	}
	if alreadyConfirmed {
		// Повторное подтверждение не публикует второе событие
		return order, nil
	}

	if err := s.store.Update(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	if err := s.publisher.Publish(ctx, events.TypeOrderConfirmed, orderConfirmedPayload(order),
		events.WithCorrelationID(order.ID)); err != nil {
		return nil, err
	}

	s.logger.Info("order confirmed", zap.String("order_id", order.ID))
	return order, nil
}

// CancelOrder отменяет заказ и публикует order.cancelled с полным
// списком исходных позиций: именно агрегат заказа, а не склад,
// является источником истины о том, что было заказано
func (s *OrderService) CancelOrder(ctx context.Context, id, reason string) (*domain.Order, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := order.Cancel(reason); err != nil {
		return nil, err
	}
	return order, s.persistCancellation(ctx, order, reason)
}

// ShipOrder отправляет заказ и публикует order.shipped
func (s *OrderService) ShipOrder(ctx context.Context, id string) (*domain.Order, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := order.Ship(); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to update order: %w", err)
	}

	if err := s.publisher.Publish(ctx, events.TypeOrderShipped, orderShippedPayload(order),
		events.WithCorrelationID(order.ID)); err != nil {
		return nil, err
	}

	s.logger.Info("order shipped", zap.String("order_id", order.ID))
	return order, nil
}

// MarkItemReserved отмечает позицию заказа зарезервированной.
// Повторная отметка - no-op: события доставляются at-least-once.
// Когда зарезервированы все позиции и политика разрешает,
// заказ подтверждается автоматически.
func (s *OrderService) MarkItemReserved(ctx context.Context, orderID, productID string) error {
	changed, err := s.store.SetTrackingReserved(ctx, orderID, productID)
	if err != nil {
		return err
	}
	if !changed {
		s.logger.Info("item already reserved, skipping",
			zap.String("order_id", orderID),
			zap.String("product_id", productID),
		)
		return nil
	}

	s.logger.Info("item reserved",
		zap.String("order_id", orderID),
		zap.String("product_id", productID),
	)

	allReserved, err := s.store.AllReserved(ctx, orderID)
	if err != nil {
		return err
	}
	if !allReserved || !s.policy.AutoConfirm {
		return nil
	}

	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.StatusPending {
		// Сага могла уже увести заказ дальше (например, отменить)
		return nil
	}

	_, err = s.ConfirmOrder(ctx, orderID)
	return err
}

// CancelForReservationFailure отменяет заказ из-за нехватки товара.
// Компенсация терпима к повторному вызову: уже отмененный заказ - no-op.
func (s *OrderService) CancelForReservationFailure(ctx context.Context, orderID, reason string) error {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.StatusCancelled {
		return nil
	}

	if err := order.ApplyReservationFailed(reason); err != nil {
		return err
	}
	return s.persistCancellation(ctx, order, reason)
}

// ApplyPaymentCompleted переводит заказ в processing по факту оплаты
func (s *OrderService) ApplyPaymentCompleted(ctx context.Context, orderID, paymentID, transactionID string) error {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.StatusProcessing && order.PaymentID == paymentID {
		return nil
	}

	if err := order.ApplyPaymentCompleted(paymentID, transactionID); err != nil {
		return err
	}
	if err := s.store.Update(ctx, order); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	s.logger.Info("payment applied",
		zap.String("order_id", order.ID),
		zap.String("payment_id", paymentID),
		zap.String("transaction_id", transactionID),
	)
	return nil
}

// ApplyPaymentFailed отменяет заказ по факту неуспешного платежа
func (s *OrderService) ApplyPaymentFailed(ctx context.Context, orderID, reason string) error {
	order, err := s.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status == domain.StatusCancelled {
		return nil
	}

	if err := order.ApplyPaymentFailed(reason); err != nil {
		return err
	}
	return s.persistCancellation(ctx, order, "payment failed: "+reason)
}

// persistCancellation сохраняет отмененный заказ и публикует order.cancelled
func (s *OrderService) persistCancellation(ctx context.Context, order *domain.Order, reason string) error {
	if err := s.store.Update(ctx, order); err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}

	if err := s.publisher.Publish(ctx, events.TypeOrderCancelled, orderCancelledPayload(order, reason),
		events.WithCorrelationID(order.ID)); err != nil {
		return err
	}

	s.logger.Info("order cancelled",
		zap.String("order_id", order.ID),
		zap.String("reason", reason),
	)
	return nil
}
