// Package idempotency предоставляет журнал обработанных событий.
// Доставка at-least-once означает, что событие может прийти повторно;
// журнал позволяет координаторам саги пропускать уже применённые события.
package idempotency

import (
	"context"
	"sync"
)

// Ledger журнал обработанных событий. Ключ - пара (consumer, eventID).
type Ledger interface {
	// Seen проверяет, было ли событие уже обработано потребителем
	Seen(ctx context.Context, consumer, eventID string) (bool, error)
	// Mark отмечает событие обработанным. Повторная отметка не ошибка.
	Mark(ctx context.Context, consumer, eventID string) error
}

// MemoryLedger журнал в памяти для тестов и локального запуска
type MemoryLedger struct {
	seen map[string]struct{}
	mu   sync.RWMutex
}

// NewMemoryLedger создает журнал в памяти
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{seen: make(map[string]struct{})}
}

// Seen проверяет, было ли событие уже обработано
func (l *MemoryLedger) Seen(ctx context.Context, consumer, eventID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.seen[consumer+":"+eventID]
	return ok, nil
}

// Mark отмечает событие обработанным
func (l *MemoryLedger) Mark(ctx context.Context, consumer, eventID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen[consumer+":"+eventID] = struct{}{}
	return nil
}
