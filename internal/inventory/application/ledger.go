package application

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/events"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/domain"
)

// Пределы массового обновления остатков
const (
	MinBatchSize = 1
	MaxBatchSize = 1000
)

// ShortfallError нехватка остатка при резервировании. Не повод для
// повторной доставки: дефицит разрешается компенсацией, а не ретраем.
type ShortfallError struct {
	OrderID     string
	ProductID   string
	WarehouseID string
	Requested   int
	Available   int
}

// Error реализует error
func (e *ShortfallError) Error() string {
	return fmt.Sprintf("insufficient inventory for product %s at warehouse %s: requested %d, available %d",
		e.ProductID, e.WarehouseID, e.Requested, e.Available)
}

// InventoryStore порт хранилища остатков и резервов.
// Reserve обязан быть атомарным: проверка доступного количества и
// вставка резерва выполняются под блокировкой строки остатка, так что
// конкурирующие резервы одного товара сериализуются хранилищем.
type InventoryStore interface {
	// Reserve резервирует количество под позицию заказа. Повторный
	// вызов для той же пары (заказ, товар) возвращает существующий
	// резерв. При нехватке возвращает *ShortfallError, ничего не меняя.
	Reserve(ctx context.Context, orderID, productID, warehouseID string, quantity int) (*domain.Reservation, error)

	// Release освобождает незакрытые резервы пары (заказ, товар).
	// Возвращает число освобожденных резервов; ноль это не ошибка.
	Release(ctx context.Context, orderID, productID string) (int, error)

	// Upsert устанавливает физический остаток товара на складе
	Upsert(ctx context.Context, update domain.StockUpdate) error

	// BatchUpsert применяет все обновления в одной транзакции
	BatchUpsert(ctx context.Context, updates []domain.StockUpdate) error

	// Get возвращает запись остатка и сумму незакрытых резервов
	Get(ctx context.Context, productID, warehouseID string) (*domain.Inventory, int, error)
}

// LedgerService сервис учета остатков: резервы, компенсации и
// обновления остатков с публикацией событий саги
type LedgerService struct {
	store     InventoryStore
	publisher *events.Publisher
	logger    *zap.Logger
}

// NewLedgerService создает сервис учета остатков
func NewLedgerService(store InventoryStore, publisher *events.Publisher, logger *zap.Logger) *LedgerService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerService{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Reserve резервирует количество под позицию заказа и публикует
// inventory.reserved либо inventory.insufficient. При нехватке остаток
// не изменяется, возвращается *ShortfallError.
func (s *LedgerService) Reserve(ctx context.Context, orderID, productID, warehouseID string, quantity int, opts ...events.PublishOption) (*domain.Reservation, error) {
	if orderID == "" {
		return nil, core.NewValidation("order id is required")
	}
	if productID == "" {
		return nil, core.NewValidation("product id is required")
	}
	if warehouseID == "" {
		return nil, core.NewValidation("warehouse id is required")
	}
	if quantity <= 0 {
		return nil, core.NewValidation(fmt.Sprintf("quantity must be positive, got %d", quantity))
	}

	res, err := s.store.Reserve(ctx, orderID, productID, warehouseID, quantity)
	if err != nil {
		var shortfall *ShortfallError
		if errors.As(err, &shortfall) {
			s.logger.Warn("reservation shortfall",
				zap.String("order_id", orderID),
				zap.String("product_id", productID),
				zap.Int("requested", shortfall.Requested),
				zap.Int("available", shortfall.Available),
			)
			if pubErr := s.publisher.Publish(ctx, events.TypeInventoryInsufficient, inventoryInsufficientPayload(shortfall), opts...); pubErr != nil {
				return nil, pubErr
			}
		}
		return nil, err
	}

	if err := s.publisher.Publish(ctx, events.TypeInventoryReserved, inventoryReservedPayload(res), opts...); err != nil {
		return nil, err
	}

	s.logger.Info("inventory reserved",
		zap.String("reservation_id", res.ID),
		zap.String("order_id", orderID),
		zap.String("product_id", productID),
		zap.Int("quantity", quantity),
	)
	return res, nil
}

// Release освобождает резервы пары (заказ, товар). Идемпотентна:
// повторный вызов и вызов без резервов завершаются без ошибки.
func (s *LedgerService) Release(ctx context.Context, orderID, productID string) error {
	if orderID == "" {
		return core.NewValidation("order id is required")
	}
	if productID == "" {
		return core.NewValidation("product id is required")
	}

	released, err := s.store.Release(ctx, orderID, productID)
	if err != nil {
		return err
	}
	if released > 0 {
		s.logger.Info("inventory released",
			zap.String("order_id", orderID),
			zap.String("product_id", productID),
			zap.Int("released", released),
		)
	}
	return nil
}

// Update устанавливает физический остаток одной записи
func (s *LedgerService) Update(ctx context.Context, update domain.StockUpdate) error {
	if err := update.Validate(); err != nil {
		return err
	}
	return s.store.Upsert(ctx, update)
}

// BatchUpdate применяет от MinBatchSize до MaxBatchSize обновлений в
// одной транзакции. Любая невалидная запись отклоняет весь пакет,
// частичное применение невозможно. Возвращает число обновленных записей.
func (s *LedgerService) BatchUpdate(ctx context.Context, updates []domain.StockUpdate) (int, error) {
	if len(updates) < MinBatchSize {
		return 0, core.NewValidation("batch must contain at least one update")
	}
	if len(updates) > MaxBatchSize {
		return 0, core.NewValidation(fmt.Sprintf("batch size %d exceeds limit %d", len(updates), MaxBatchSize))
	}
	for i, update := range updates {
		if err := update.Validate(); err != nil {
			return 0, core.Wrap(err, core.CodeValidation, fmt.Sprintf("invalid update at index %d", i))
		}
	}

	if err := s.store.BatchUpsert(ctx, updates); err != nil {
		return 0, err
	}
	s.logger.Info("stock batch applied", zap.Int("count", len(updates)))
	return len(updates), nil
}

// GetStock возвращает остаток и доступное количество
func (s *LedgerService) GetStock(ctx context.Context, productID, warehouseID string) (*domain.Inventory, int, error) {
	inv, reserved, err := s.store.Get(ctx, productID, warehouseID)
	if err != nil {
		return nil, 0, err
	}
	return inv, domain.Available(inv.Quantity, reserved), nil
}
