package domain

import (
	"encoding/json"
	"time"
)

// EventType identifies the fulfillment step an audit event records.
type EventType string

// Audit event types, one per fulfillment step that produces a durable
// side effect.
const (
	EventOrderReceived    EventType = "order_received"
	EventOrderValidated   EventType = "order_validated"
	EventPaymentCharged   EventType = "payment_charged"
	EventPackagePrepared  EventType = "package_prepared"
	EventCarrierDispatched EventType = "carrier_dispatched"
)

// Event is an immutable audit record. Events are append-only: they are
// never updated or deleted, and events for a single order are totally
// ordered by insertion.
type Event struct {
	ID        int64           `json:"id"`
	OrderID   string          `json:"order_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}
