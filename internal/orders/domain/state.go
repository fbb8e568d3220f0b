package domain

import (
	"fmt"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
)

// Status статус заказа
type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// Terminal сообщает, что статус недостижим для переходов саги
// (возможен только возврат средств из delivered)
func (s Status) Terminal() bool {
	switch s {
	case StatusDelivered, StatusCancelled, StatusRefunded:
		return true
	}
	return false
}

// Trigger событие, вызывающее переход статуса
type Trigger string

const (
	TriggerConfirm           Trigger = "confirm"
	TriggerCancel            Trigger = "cancel"
	TriggerShip              Trigger = "ship"
	TriggerDeliver           Trigger = "deliver"
	TriggerPaymentCompleted  Trigger = "payment-completed"
	TriggerPaymentFailed     Trigger = "payment-failed"
	TriggerReservationFailed Trigger = "reservation-failed"
	TriggerRefund            Trigger = "refund"
)

// transitions таблица переходов, ключ "from:trigger".
// Переходы вне таблицы запрещены: попытка падает ошибкой,
// статус остается прежним.
var transitions = map[string]Status{
	key(StatusPending, TriggerConfirm):   StatusConfirmed,
	key(StatusConfirmed, TriggerConfirm): StatusConfirmed,

	key(StatusPending, TriggerCancel):    StatusCancelled,
	key(StatusConfirmed, TriggerCancel):  StatusCancelled,
	key(StatusProcessing, TriggerCancel): StatusCancelled,

	key(StatusPending, TriggerPaymentCompleted):    StatusProcessing,
	key(StatusConfirmed, TriggerPaymentCompleted):  StatusProcessing,
	key(StatusProcessing, TriggerPaymentCompleted): StatusProcessing,
	key(StatusShipped, TriggerPaymentCompleted):    StatusProcessing,

	key(StatusPending, TriggerPaymentFailed):    StatusCancelled,
	key(StatusConfirmed, TriggerPaymentFailed):  StatusCancelled,
	key(StatusProcessing, TriggerPaymentFailed): StatusCancelled,
	key(StatusShipped, TriggerPaymentFailed):    StatusCancelled,

	key(StatusPending, TriggerReservationFailed):    StatusCancelled,
	key(StatusConfirmed, TriggerReservationFailed):  StatusCancelled,
	key(StatusProcessing, TriggerReservationFailed): StatusCancelled,
	key(StatusShipped, TriggerReservationFailed):    StatusCancelled,

	key(StatusProcessing, TriggerShip): StatusShipped,
	key(StatusShipped, TriggerDeliver): StatusDelivered,

	key(StatusProcessing, TriggerRefund): StatusRefunded,
	key(StatusShipped, TriggerRefund):    StatusRefunded,
	key(StatusDelivered, TriggerRefund):  StatusRefunded,
}

func key(from Status, trigger Trigger) string {
	return string(from) + ":" + string(trigger)
}

// CanTransition проверяет допустимость перехода без его выполнения
func CanTransition(from Status, trigger Trigger) bool {
	_, ok := transitions[key(from, trigger)]
	return ok
}

// transition выполняет переход статуса по таблице
func (o *Order) transition(trigger Trigger) error {
	to, ok := transitions[key(o.Status, trigger)]
	if !ok {
		return core.NewInvalidState(
			fmt.Sprintf("order %s: cannot %s in status %s", o.ID, trigger, o.Status))
	}
	o.Status = to
	o.touch()
	return nil
}
