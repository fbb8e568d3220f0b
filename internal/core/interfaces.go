package core

import "context"

// Lifecycle управляемый жизненный цикл компонента.
// Адаптеры шины и хранилищ создаются явно и передаются через DI;
// запуск и остановка привязаны к запуску и остановке самого сервиса.
type Lifecycle interface {
	// Start запускает компонент
	Start(ctx context.Context) error
	// Stop останавливает компонент
	Stop(ctx context.Context) error
	// IsRunning проверяет, запущен ли компонент
	IsRunning() bool
}

// Component именованный компонент сервиса
type Component interface {
	Lifecycle
	// Name возвращает имя компонента
	Name() string
}
