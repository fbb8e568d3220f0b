package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/orders/domain"
)

// MemoryOrderStore хранилище заказов в памяти для тестов и локального запуска
type MemoryOrderStore struct {
	orders map[string]*domain.Order
	mu     sync.RWMutex
}

// NewMemoryOrderStore создает хранилище в памяти
func NewMemoryOrderStore() *MemoryOrderStore {
	return &MemoryOrderStore{orders: make(map[string]*domain.Order)}
}

// Create сохраняет заказ
func (s *MemoryOrderStore) Create(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[order.ID]; exists {
		return core.NewConflict("order " + order.ID + " already exists")
	}
	s.orders[order.ID] = cloneOrder(order)
	return nil
}

// Get возвращает копию заказа
func (s *MemoryOrderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.orders[id]
	if !exists {
		return nil, core.NewNotFound("order", id)
	}
	return cloneOrder(order), nil
}

// Update сохраняет изменяемые поля заказа
func (s *MemoryOrderStore) Update(ctx context.Context, order *domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, exists := s.orders[order.ID]
	if !exists {
		return core.NewNotFound("order", order.ID)
	}
	stored.Status = order.Status
	stored.Notes = order.Notes
	stored.PaymentID = order.PaymentID
	stored.TransactionID = order.TransactionID
	stored.UpdatedAt = order.UpdatedAt
	stored.CancelledAt = order.CancelledAt
	return nil
}

// SetTrackingReserved отмечает позицию зарезервированной
func (s *MemoryOrderStore) SetTrackingReserved(ctx context.Context, orderID, productID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, exists := s.orders[orderID]
	if !exists {
		return false, core.NewNotFound("order", orderID)
	}
	for i := range order.Tracking {
		if order.Tracking[i].ProductID != productID {
			continue
		}
		if order.Tracking[i].Reserved {
			return false, nil
		}
		order.Tracking[i].Reserved = true
		order.Tracking[i].UpdatedAt = time.Now().UTC()
		return true, nil
	}
	return false, core.NewNotFound("inventory tracking for order", orderID)
}

// AllReserved сообщает, зарезервированы ли все позиции заказа
func (s *MemoryOrderStore) AllReserved(ctx context.Context, orderID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, exists := s.orders[orderID]
	if !exists {
		return false, core.NewNotFound("order", orderID)
	}
	for _, t := range order.Tracking {
		if !t.Reserved {
			return false, nil
		}
	}
	return len(order.Tracking) > 0, nil
}

func cloneOrder(order *domain.Order) *domain.Order {
	clone := *order
	clone.Items = append([]domain.LineItem(nil), order.Items...)
	clone.Tracking = append([]domain.InventoryTracking(nil), order.Tracking...)
	if order.CancelledAt != nil {
		at := *order.CancelledAt
		clone.CancelledAt = &at
	}
	return &clone
}
