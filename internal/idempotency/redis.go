package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger журнал обработанных событий в Redis.
// Ключи с TTL: журнал ограничен окном повторной доставки брокера,
// для долговременной гарантии используется PostgresLedger.
type RedisLedger struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLedger создает журнал поверх клиента Redis
func NewRedisLedger(client *redis.Client, ttl time.Duration) *RedisLedger {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisLedger{client: client, ttl: ttl}
}

func (l *RedisLedger) key(consumer, eventID string) string {
	return fmt.Sprintf("processed:%s:%s", consumer, eventID)
}

// Seen проверяет, было ли событие уже обработано потребителем
func (l *RedisLedger) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(consumer, eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check processed event: %w", err)
	}
	return n > 0, nil
}

// Mark отмечает событие обработанным
func (l *RedisLedger) Mark(ctx context.Context, consumer, eventID string) error {
	if err := l.client.Set(ctx, l.key(consumer, eventID), 1, l.ttl).Err(); err != nil {
		return fmt.Errorf("failed to mark processed event: %w", err)
	}
	return nil
}
