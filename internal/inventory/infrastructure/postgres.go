// Package infrastructure содержит хранилища остатков, миграции и HTTP действия.
package infrastructure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/application"
	"github.com/Mohmdhamad/oms-microservices/internal/inventory/domain"
)

// PostgresInventoryStore хранилище остатков и резервов в PostgreSQL.
// Резервирование сериализуется блокировкой строки остатка: проверка
// доступного количества и вставка резерва происходят под FOR UPDATE,
// поэтому два конкурирующих резерва одного товара не могут оба пройти
// проверку по одному и тому же остатку.
type PostgresInventoryStore struct {
	pool *pgxpool.Pool
}

// NewPostgresInventoryStore создает хранилище поверх пула соединений
func NewPostgresInventoryStore(pool *pgxpool.Pool) *PostgresInventoryStore {
	return &PostgresInventoryStore{pool: pool}
}

// Reserve резервирует количество атомарно. Повторный вызов для той же
// пары (заказ, товар) возвращает существующий резерв без изменений.
func (s *PostgresInventoryStore) Reserve(ctx context.Context, orderID, productID, warehouseID string, quantity int) (*domain.Reservation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var stock int
	err = tx.QueryRow(ctx, `
		SELECT quantity FROM inventory
		WHERE product_id = $1 AND warehouse_id = $2
		FOR UPDATE`,
		productID, warehouseID,
	).Scan(&stock)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &application.ShortfallError{
			OrderID:     orderID,
			ProductID:   productID,
			WarehouseID: warehouseID,
			Requested:   quantity,
			Available:   0,
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock inventory row: %w", err)
	}

	existing, err := scanReservation(tx.QueryRow(ctx, `
		SELECT id, order_id, product_id, warehouse_id, quantity, status, created_at, updated_at
		FROM inventory_reservations
		WHERE order_id = $1 AND product_id = $2 AND status = $3`,
		orderID, productID, domain.ReservationPending,
	))
	if err == nil {
		if commitErr := tx.Commit(ctx); commitErr != nil {
			return nil, fmt.Errorf("failed to commit tx: %w", commitErr)
		}
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("failed to query existing reservation: %w", err)
	}

	var pending int
	err = tx.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM inventory_reservations
		WHERE product_id = $1 AND warehouse_id = $2 AND status = $3`,
		productID, warehouseID, domain.ReservationPending,
	).Scan(&pending)
	if err != nil {
		return nil, fmt.Errorf("failed to sum pending reservations: %w", err)
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
	_, err = tx.Exec(ctx, `
		INSERT INTO inventory_reservations (id, order_id, product_id, warehouse_id,
		                                    quantity, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		res.ID, res.OrderID, res.ProductID, res.WarehouseID,
		res.Quantity, res.Status, res.CreatedAt, res.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert reservation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit tx: %w", err)
	}
	return res, nil
}

// Release переводит незакрытые резервы пары (заказ, товар) в released
func (s *PostgresInventoryStore) Release(ctx context.Context, orderID, productID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE inventory_reservations
		SET status = $1, updated_at = $2
		WHERE order_id = $3 AND product_id = $4 AND status = $5`,
		domain.ReservationReleased, time.Now().UTC(), orderID, productID, domain.ReservationPending,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to release reservations: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// Upsert устанавливает физический остаток записи
func (s *PostgresInventoryStore) Upsert(ctx context.Context, update domain.StockUpdate) error {
	_, err := s.pool.Exec(ctx, upsertStockSQL,
		update.ProductID, update.WarehouseID, update.Quantity, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert inventory: %w", err)
	}
	return nil
}

// BatchUpsert применяет все обновления одной транзакцией
func (s *PostgresInventoryStore) BatchUpsert(ctx context.Context, updates []domain.StockUpdate) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	for _, update := range updates {
		batch.Queue(upsertStockSQL, update.ProductID, update.WarehouseID, update.Quantity, now)
	}

	results := tx.SendBatch(ctx, batch)
	for range updates {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return fmt.Errorf("failed to apply stock update: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("failed to close batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

// Get возвращает запись остатка и сумму незакрытых резервов
func (s *PostgresInventoryStore) Get(ctx context.Context, productID, warehouseID string) (*domain.Inventory, int, error) {
	inv := &domain.Inventory{}
	err := s.pool.QueryRow(ctx, `
		SELECT product_id, warehouse_id, quantity, updated_at FROM inventory
		WHERE product_id = $1 AND warehouse_id = $2`,
		productID, warehouseID,
	).Scan(&inv.ProductID, &inv.WarehouseID, &inv.Quantity, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, 0, core.NewNotFound("inventory", productID+"/"+warehouseID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query inventory: %w", err)
	}

	var pending int
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(quantity), 0) FROM inventory_reservations
		WHERE product_id = $1 AND warehouse_id = $2 AND status = $3`,
		productID, warehouseID, domain.ReservationPending,
	).Scan(&pending)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to sum pending reservations: %w", err)
	}
	return inv, pending, nil
}

const upsertStockSQL = `
	INSERT INTO inventory (product_id, warehouse_id, quantity, updated_at)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (product_id, warehouse_id)
	DO UPDATE SET quantity = EXCLUDED.quantity, updated_at = EXCLUDED.updated_at`

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	res := &domain.Reservation{}
	err := row.Scan(&res.ID, &res.OrderID, &res.ProductID, &res.WarehouseID,
		&res.Quantity, &res.Status, &res.CreatedAt, &res.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return res, nil
}
