package infrastructure

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/application"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/domain"
)

// MemoryInventoryStore хранилище в памяти для тестов и локального
// запуска. Резервирование сериализуется мьютексом на ключ
// (товар, склад), повторяя блокировку строки в PostgreSQL.
type MemoryInventoryStore struct {
	mu           sync.Mutex
	stock        map[string]*domain.Inventory
	reservations map[string]*domain.Reservation
	keyLocks     map[string]*sync.Mutex
}

// NewMemoryInventoryStore создает пустое хранилище
func NewMemoryInventoryStore() *MemoryInventoryStore {
	return &MemoryInventoryStore{
		stock:        make(map[string]*domain.Inventory),
		reservations: make(map[string]*domain.Reservation),
		keyLocks:     make(map[string]*sync.Mutex),
	}
}

func stockKey(productID, warehouseID string) string {
	return productID + "/" + warehouseID
}

func (s *MemoryInventoryStore) keyLock(productID, warehouseID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stockKey(productID, warehouseID)
	lock, ok := s.keyLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.keyLocks[key] = lock
	}
	return lock
}

// Reserve резервирует количество под блокировкой ключа остатка
func (s *MemoryInventoryStore) Reserve(ctx context.Context, orderID, productID, warehouseID string, quantity int) (*domain.Reservation, error) {
	lock := s.keyLock(productID, warehouseID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.stock[stockKey(productID, warehouseID)]
	stock := 0
	if ok {
		stock = inv.Quantity
	}

	for _, res := range s.reservations {
		if res.OrderID == orderID && res.ProductID == productID && res.Status == domain.ReservationPending {
			clone := *res
			return &clone, nil
		}
	}

	pending := 0
	for _, res := range s.reservations {
		if res.ProductID == productID && res.WarehouseID == warehouseID && res.Status == domain.ReservationPending {
			pending += res.Quantity
		}
	}

	available := domain.Available(stock, pending)
	if available < quantity {
		return nil, &application.ShortfallError{
			OrderID:     orderID,
			ProductID:   productID,
			WarehouseID: warehouseID,
			Requested:   quantity,
			Available:   available,
		}
	}

	now := time.Now().UTC()
	res := &domain.Reservation{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		ProductID:   productID,
		WarehouseID: warehouseID,
		Quantity:    quantity,
		Status:      domain.ReservationPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.reservations[res.ID] = res
	clone := *res
	return &clone, nil
}

// Release переводит незакрытые резервы пары (заказ, товар) в released
func (s *MemoryInventoryStore) Release(ctx context.Context, orderID, productID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, res := range s.reservations {
		if res.OrderID == orderID && res.ProductID == productID && res.Status == domain.ReservationPending {
			res.Status = domain.ReservationReleased
			res.UpdatedAt = time.Now().UTC()
			released++
		}
	}
	return released, nil
}

// Upsert устанавливает физический остаток записи
func (s *MemoryInventoryStore) Upsert(ctx context.Context, update domain.StockUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(update)
	return nil
}

// BatchUpsert применяет все обновления под одной блокировкой
func (s *MemoryInventoryStore) BatchUpsert(ctx context.Context, updates []domain.StockUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, update := range updates {
		s.upsertLocked(update)
	}
	return nil
}

func (s *MemoryInventoryStore) upsertLocked(update domain.StockUpdate) {
	key := stockKey(update.ProductID, update.WarehouseID)
	s.stock[key] = &domain.Inventory{
		ProductID:   update.ProductID,
		WarehouseID: update.WarehouseID,
		Quantity:    update.Quantity,
		UpdatedAt:   time.Now().UTC(),
	}
}

// Get возвращает запись остатка и сумму незакрытых резервов
func (s *MemoryInventoryStore) Get(ctx context.Context, productID, warehouseID string) (*domain.Inventory, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inv, ok := s.stock[stockKey(productID, warehouseID)]
	if !ok {
		return nil, 0, core.NewNotFound("inventory", stockKey(productID, warehouseID))
	}

	pending := 0
	for _, res := range s.reservations {
		if res.ProductID == productID && res.WarehouseID == warehouseID && res.Status == domain.ReservationPending {
			pending += res.Quantity
		}
	}
	clone := *inv
	return &clone, pending, nil
}

// Reservations возвращает копии резервов заказа, для тестов
func (s *MemoryInventoryStore) Reservations(orderID string) []domain.Reservation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Reservation
	for _, res := range s.reservations {
		if res.OrderID == orderID {
			out = append(out, *res)
		}
	}
	return out
}
