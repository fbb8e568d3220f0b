// Package infrastructure содержит хранилища заказов, миграции и HTTP действия.
package infrastructure

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/orders/domain"
)

// PostgresOrderStore хранилище заказов в PostgreSQL.
// Заказ, позиции и записи резервирования пишутся одной транзакцией.
type PostgresOrderStore struct {
	pool *pgxpool.Pool
}

// NewPostgresOrderStore создает хранилище поверх пула соединений
func NewPostgresOrderStore(pool *pgxpool.Pool) *PostgresOrderStore {
	return &PostgresOrderStore{pool: pool}
}

// Create сохраняет заказ с позициями и записями резервирования атомарно
func (s *PostgresOrderStore) Create(ctx context.Context, order *domain.Order) error {
	shipping, err := json.Marshal(order.ShippingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal shipping address: %w", err)
	}
	billing, err := json.Marshal(order.BillingAddress)
	if err != nil {
		return fmt.Errorf("failed to marshal billing address: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (id, user_id, status, total_amount, shipping_address, billing_address,
		                    notes, warehouse_id, payment_id, transaction_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		order.ID, order.UserID, string(order.Status), order.TotalAmount, shipping, billing,
		order.Notes, order.WarehouseID, order.PaymentID, order.TransactionID,
		order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}

	for _, item := range order.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_line_items (id, order_id, product_id, quantity, unit_price,
			                              warehouse_id, product_snapshot)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			item.ID, item.OrderID, item.ProductID, item.Quantity, item.UnitPrice,
			item.WarehouseID, nullableJSON(item.ProductSnapshot),
		)
		if err != nil {
			return fmt.Errorf("failed to insert line item: %w", err)
		}
	}

	for _, t := range order.Tracking {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_inventory_tracking (order_id, product_id, reserved, updated_at)
			VALUES ($1, $2, $3, $4)`,
			t.OrderID, t.ProductID, t.Reserved, t.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert tracking row: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// Get возвращает заказ с позициями и записями резервирования
func (s *PostgresOrderStore) Get(ctx context.Context, id string) (*domain.Order, error) {
	var (
		order    domain.Order
		status   string
		shipping []byte
		billing  []byte
	)

	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, status, total_amount, shipping_address, billing_address,
		       notes, warehouse_id, payment_id, transaction_id, created_at, updated_at, cancelled_at
		FROM orders WHERE id = $1`, id,
	).Scan(&order.ID, &order.UserID, &status, &order.TotalAmount, &shipping, &billing,
		&order.Notes, &order.WarehouseID, &order.PaymentID, &order.TransactionID,
		&order.CreatedAt, &order.UpdatedAt, &order.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.NewNotFound("order", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}

	order.Status = domain.Status(status)
	if err := json.Unmarshal(shipping, &order.ShippingAddress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal shipping address: %w", err)
	}
	if err := json.Unmarshal(billing, &order.BillingAddress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal billing address: %w", err)
	}

	if err := s.loadItems(ctx, &order); err != nil {
		return nil, err
	}
	if err := s.loadTracking(ctx, &order); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *PostgresOrderStore) loadItems(ctx context.Context, order *domain.Order) error {
	rows, err := s.pool.Query(ctx, `
		SELECT id, order_id, product_id, quantity, unit_price, warehouse_id, product_snapshot
		FROM order_line_items WHERE order_id = $1 ORDER BY id`, order.ID)
	if err != nil {
		return fmt.Errorf("failed to query line items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			item     domain.LineItem
			snapshot []byte
		)
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity,
			&item.UnitPrice, &item.WarehouseID, &snapshot); err != nil {
			return fmt.Errorf("failed to scan line item: %w", err)
		}
		item.ProductSnapshot = snapshot
		order.Items = append(order.Items, item)
	}
	return rows.Err()
}

func (s *PostgresOrderStore) loadTracking(ctx context.Context, order *domain.Order) error {
	rows, err := s.pool.Query(ctx, `
		SELECT order_id, product_id, reserved, updated_at
		FROM order_inventory_tracking WHERE order_id = $1 ORDER BY product_id`, order.ID)
	if err != nil {
		return fmt.Errorf("failed to query tracking rows: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t domain.InventoryTracking
		if err := rows.Scan(&t.OrderID, &t.ProductID, &t.Reserved, &t.UpdatedAt); err != nil {
			return fmt.Errorf("failed to scan tracking row: %w", err)
		}
		order.Tracking = append(order.Tracking, t)
	}
	return rows.Err()
}

// Update сохраняет изменяемые поля заказа
func (s *PostgresOrderStore) Update(ctx context.Context, order *domain.Order) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders
		SET status = $2, notes = $3, payment_id = $4, transaction_id = $5,
		    updated_at = $6, cancelled_at = $7
		WHERE id = $1`,
		order.ID, string(order.Status), order.Notes, order.PaymentID, order.TransactionID,
		order.UpdatedAt, order.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.NewNotFound("order", order.ID)
	}
	return nil
}

// SetTrackingReserved отмечает позицию зарезервированной.
// Условие reserved = FALSE делает операцию идемпотентной:
// повторная доставка события не меняет строку второй раз.
func (s *PostgresOrderStore) SetTrackingReserved(ctx context.Context, orderID, productID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE order_inventory_tracking
		SET reserved = TRUE, updated_at = NOW()
		WHERE order_id = $1 AND product_id = $2 AND reserved = FALSE`,
		orderID, productID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update tracking row: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	// Либо запись уже отмечена, либо её нет вовсе
	var exists bool
	err = s.pool.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM order_inventory_tracking WHERE order_id = $1 AND product_id = $2)`,
		orderID, productID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tracking row: %w", err)
	}
	if !exists {
		return false, core.NewNotFound("inventory tracking for order", orderID)
	}
	return false, nil
}

// AllReserved сообщает, зарезервированы ли все позиции заказа
func (s *PostgresOrderStore) AllReserved(ctx context.Context, orderID string) (bool, error) {
	var total, reserved int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE reserved)
		FROM order_inventory_tracking WHERE order_id = $1`, orderID,
	).Scan(&total, &reserved)
	if err != nil {
		return false, fmt.Errorf("failed to count tracking rows: %w", err)
	}
	return total > 0 && total == reserved, nil
}

func nullableJSON(data json.RawMessage) interface{} {
	if len(data) == 0 {
		return nil
	}
	return []byte(data)
}
