// Package domain содержит агрегат заказа и его машину состояний.
package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
)

// Address структурированный адрес заказа. Для ядра он непрозрачен:
// поля не интерпретируются, только хранятся и передаются.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// LineItem позиция заказа. Создается атомарно с заказом и далее неизменна;
// UnitPrice - снимок цены на момент заказа, не связанный с текущей ценой каталога.
type LineItem struct {
	ID              string
	OrderID         string
	ProductID       string
	Quantity        int
	UnitPrice       decimal.Decimal
	WarehouseID     string
	ProductSnapshot json.RawMessage
}

// InventoryTracking запись резервирования по одной позиции заказа.
// Набор записей заказа находится в соответствии 1:1 с его позициями;
// заказ полностью зарезервирован, когда Reserved = true у каждой записи.
type InventoryTracking struct {
	OrderID   string
	ProductID string
	Reserved  bool
	UpdatedAt time.Time
}

// Order агрегат заказа. Владеет статусом, позициями и записями
// резервирования; никакой другой компонент не мутирует его напрямую.
type Order struct {
	ID              string
	UserID          string
	Status          Status
	TotalAmount     decimal.Decimal
	ShippingAddress Address
	BillingAddress  Address
	Notes           string
	WarehouseID     string
	PaymentID       string
	TransactionID   string
	Items           []LineItem
	Tracking        []InventoryTracking
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CancelledAt     *time.Time
}

// NewOrderInput вход для создания заказа
type NewOrderInput struct {
	UserID          string
	WarehouseID     string
	ShippingAddress Address
	BillingAddress  Address
	Notes           string
	Items           []NewItemInput
}

// NewItemInput позиция создаваемого заказа
type NewItemInput struct {
	ProductID       string
	Quantity        int
	UnitPrice       decimal.Decimal
	WarehouseID     string
	ProductSnapshot json.RawMessage
}

// NewOrder создает заказ в статусе pending вместе с позициями
// и записями резервирования
func NewOrder(input NewOrderInput) (*Order, error) {
	if input.UserID == "" {
		return nil, core.NewValidation("userId is required")
	}
	if len(input.Items) == 0 {
		return nil, core.NewValidation("order must contain at least one item")
	}

	now := time.Now().UTC()
	order := &Order{
		ID:              uuid.New().String(),
		UserID:          input.UserID,
		Status:          StatusPending,
		TotalAmount:     decimal.Zero,
		ShippingAddress: input.ShippingAddress,
		BillingAddress:  input.BillingAddress,
		Notes:           input.Notes,
		WarehouseID:     input.WarehouseID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	seen := make(map[string]bool, len(input.Items))
	for _, item := range input.Items {
		if item.ProductID == "" {
			return nil, core.NewValidation("item productId is required")
		}
		if item.Quantity <= 0 {
			return nil, core.NewValidation(fmt.Sprintf("item %s quantity must be positive", item.ProductID))
		}
		if item.UnitPrice.IsNegative() {
			return nil, core.NewValidation(fmt.Sprintf("item %s unitPrice cannot be negative", item.ProductID))
		}
		if seen[item.ProductID] {
			return nil, core.NewValidation(fmt.Sprintf("duplicate product %s in order", item.ProductID))
		}
		seen[item.ProductID] = true

		order.Items = append(order.Items, LineItem{
			ID:              uuid.New().String(),
			OrderID:         order.ID,
			ProductID:       item.ProductID,
			Quantity:        item.Quantity,
			UnitPrice:       item.UnitPrice,
			WarehouseID:     item.WarehouseID,
			ProductSnapshot: item.ProductSnapshot,
		})
		order.Tracking = append(order.Tracking, InventoryTracking{
			OrderID:   order.ID,
			ProductID: item.ProductID,
			Reserved:  false,
			UpdatedAt: now,
		})
		order.TotalAmount = order.TotalAmount.Add(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}

	return order, nil
}

// Confirm подтверждает заказ
func (o *Order) Confirm() error {
	return o.transition(TriggerConfirm)
}

// Cancel отменяет заказ: причина дописывается в notes,
// ставится отметка времени отмены
func (o *Order) Cancel(reason string) error {
	if err := o.transition(TriggerCancel); err != nil {
		return err
	}
	now := time.Now().UTC()
	o.CancelledAt = &now
	o.appendNote("cancelled: " + reason)
	return nil
}

// Ship отправляет заказ
func (o *Order) Ship() error {
	return o.transition(TriggerShip)
}

// Deliver отмечает заказ доставленным
func (o *Order) Deliver() error {
	return o.transition(TriggerDeliver)
}

// ApplyPaymentCompleted переводит заказ в processing и фиксирует
// платежную ссылку и идентификатор транзакции
func (o *Order) ApplyPaymentCompleted(paymentID, transactionID string) error {
	if err := o.transition(TriggerPaymentCompleted); err != nil {
		return err
	}
	o.PaymentID = paymentID
	o.TransactionID = transactionID
	return nil
}

// ApplyPaymentFailed отменяет заказ из-за неуспешного платежа
func (o *Order) ApplyPaymentFailed(reason string) error {
	if err := o.transition(TriggerPaymentFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	o.CancelledAt = &now
	o.appendNote("cancelled: payment failed: " + reason)
	return nil
}

// ApplyReservationFailed отменяет заказ из-за нехватки товара
func (o *Order) ApplyReservationFailed(reason string) error {
	if err := o.transition(TriggerReservationFailed); err != nil {
		return err
	}
	now := time.Now().UTC()
	o.CancelledAt = &now
	o.appendNote("cancelled: " + reason)
	return nil
}

// MarkReserved отмечает позицию зарезервированной. Возвращает false,
// если запись уже была отмечена: повторная доставка события - no-op.
func (o *Order) MarkReserved(productID string) (bool, error) {
	for i := range o.Tracking {
		if o.Tracking[i].ProductID != productID {
			continue
		}
		if o.Tracking[i].Reserved {
			return false, nil
		}
		o.Tracking[i].Reserved = true
		o.Tracking[i].UpdatedAt = time.Now().UTC()
		o.touch()
		return true, nil
	}
	return false, core.NewNotFound("inventory tracking for product", productID)
}

// FullyReserved сообщает, зарезервированы ли все позиции заказа
func (o *Order) FullyReserved() bool {
	for _, t := range o.Tracking {
		if !t.Reserved {
			return false
		}
	}
	return len(o.Tracking) > 0
}

func (o *Order) appendNote(note string) {
	if o.Notes == "" {
		o.Notes = note
	} else {
		o.Notes = o.Notes + "; " + note
	}
}

func (o *Order) touch() {
	o.UpdatedAt = time.Now().UTC()
}
