package events

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/Mohmdhamad/oms-microservices/internal/core"
	"github.com/Mohmdhamad/oms-microservices/internal/transport"
)

func TestExchangeFor(t *testing.T) {
	tests := []struct {
		eventType string
		want      string
	}{
		{TypeOrderCreated, transport.ExchangeOrders},
		{TypeOrderCancelled, transport.ExchangeOrders},
		{TypeOrderConfirmed, transport.ExchangeOrders},
		{TypeOrderShipped, transport.ExchangeOrders},
		{TypeInventoryReserved, transport.ExchangeProducts},
		{TypeInventoryInsufficient, transport.ExchangeProducts},
		{TypePaymentCompleted, transport.ExchangePayments},
		{TypePaymentFailed, transport.ExchangePayments},
		{"unknown.event", ""},
	}

	for _, tt := range tests {
		if got := ExchangeFor(tt.eventType); got != tt.want {
			t.Errorf("ExchangeFor(%s) = %q, want %q", tt.eventType, got, tt.want)
		}
	}
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope(TypeOrderCreated, "orders-service", map[string]string{"orderId": "o-1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}
	if env.ID == "" {
		t.Error("Expected generated event id")
	}
	if env.Version != EnvelopeVersion {
		t.Errorf("Version = %s, want %s", env.Version, EnvelopeVersion)
	}
	if env.Source != "orders-service" {
		t.Errorf("Source = %s, want orders-service", env.Source)
	}
	if env.OccurredAt.IsZero() {
		t.Error("Expected non-zero timestamp")
	}
}

type checkedPayload struct {
	OrderID string `json:"orderId"`
}

func (p *checkedPayload) Validate() error {
	if p.OrderID == "" {
		return fmt.Errorf("orderId is required")
	}
	return nil
}

func TestDecodePayload(t *testing.T) {
	env, err := NewEnvelope(TypeOrderCreated, "test", checkedPayload{OrderID: "o-1"})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	payload, err := DecodePayload[checkedPayload](env)
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if payload.OrderID != "o-1" {
		t.Errorf("OrderID = %s, want o-1", payload.OrderID)
	}
}

func TestDecodePayloadValidationFailureIsPermanent(t *testing.T) {
	env, err := NewEnvelope(TypeOrderCreated, "test", checkedPayload{})
	if err != nil {
		t.Fatalf("NewEnvelope failed: %v", err)
	}

	_, err = DecodePayload[checkedPayload](env)
	if err == nil {
		t.Fatal("Expected validation error")
	}
	if !core.IsPermanent(err) {
		t.Error("Schema rejection must be a permanent error")
	}
}

func TestDecodePayloadMalformedIsPermanent(t *testing.T) {
	env := &Envelope{
		ID:      "e-1",
		Type:    TypeOrderCreated,
		Payload: json.RawMessage(`{"orderId": 42}`),
	}

	_, err := DecodePayload[checkedPayload](env)
	if err == nil {
		t.Fatal("Expected unmarshal error")
	}
	if !core.IsPermanent(err) {
		t.Error("Malformed payload must be a permanent error")
	}
}
