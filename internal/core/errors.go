// Package core предоставляет систему ошибок сервисов и базовые интерфейсы компонентов.
package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Коды ошибок сервисов
const (
	CodeNotFound     = "NOT_FOUND"
	CodeValidation   = "VALIDATION"
	CodeInvalidState = "INVALID_STATE"
	CodeConflict     = "CONFLICT"
	CodeInternal     = "INTERNAL"
)

// ServiceError базовый тип ошибки сервиса.
// Ошибки с кодами NOT_FOUND, VALIDATION, INVALID_STATE и CONFLICT считаются
// постоянными: повторная доставка события ничего не изменит, сообщение уходит в DLQ.
type ServiceError struct {
	Code    string
	Message string
	Cause   error
}

// Error реализует интерфейс error
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is проверяет, соответствует ли ошибка коду
func (e *ServiceError) Is(target error) bool {
	if t, ok := target.(*ServiceError); ok {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus возвращает HTTP статус для кода ошибки
func (e *ServiceError) HTTPStatus() int {
	switch e.Code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeValidation:
		return http.StatusBadRequest
	case CodeInvalidState, CodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// NewNotFound создает ошибку отсутствующей сущности
func NewNotFound(entity, id string) *ServiceError {
	return &ServiceError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %s not found", entity, id),
	}
}

// NewValidation создает ошибку некорректного входа
func NewValidation(message string) *ServiceError {
	return &ServiceError{
		Code:    CodeValidation,
		Message: message,
	}
}

// NewInvalidState создает ошибку недопустимого перехода состояния
func NewInvalidState(message string) *ServiceError {
	return &ServiceError{
		Code:    CodeInvalidState,
		Message: message,
	}
}

// NewConflict создает ошибку конфликта
func NewConflict(message string) *ServiceError {
	return &ServiceError{
		Code:    CodeConflict,
		Message: message,
	}
}

// Wrap оборачивает существующую ошибку с кодом
func Wrap(err error, code, message string) *ServiceError {
	if err == nil {
		return nil
	}
	return &ServiceError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// CodeOf возвращает код ошибки или CodeInternal для неклассифицированных
func CodeOf(err error) string {
	var se *ServiceError
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// IsPermanent сообщает, что ошибка не лечится повторной доставкой.
// Канал событий использует это, чтобы отличать requeue от dead-letter.
func IsPermanent(err error) bool {
	switch CodeOf(err) {
	case CodeNotFound, CodeValidation, CodeInvalidState, CodeConflict:
		return true
	}
	return false
}
