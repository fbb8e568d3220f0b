package transport

import "errors"

// Ошибки шины сообщений
var (
	ErrEmptyQueue     = errors.New("transport: queue name cannot be empty")
	ErrNoBindings     = errors.New("transport: queue must have at least one binding")
	ErrInvalidBinding = errors.New("transport: binding must have exchange and pattern")
	ErrNotRunning     = errors.New("transport: message bus is not running")
	ErrQueueExists    = errors.New("transport: queue already subscribed")
)
