package idempotency

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLedger журнал обработанных событий в PostgreSQL.
// Таблица processed_events с уникальным ключом (consumer, event_id);
// Mark идемпотентен за счет ON CONFLICT DO NOTHING.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger создает журнал поверх пула соединений
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Seen проверяет, было ли событие уже обработано потребителем
func (l *PostgresLedger) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM processed_events WHERE consumer = $1 AND event_id = $2)`,
		consumer, eventID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return exists, nil
}

// Mark отмечает событие обработанным
func (l *PostgresLedger) Mark(ctx context.Context, consumer, eventID string) error {
	_, err := l.pool.Exec(ctx,
		`INSERT INTO processed_events (consumer, event_id, processed_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (consumer, event_id) DO NOTHING`,
		consumer, eventID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark processed event: %w", err)
	}
	return nil
}
