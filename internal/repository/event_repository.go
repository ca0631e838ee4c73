package repository

import (
	"context"

	"github.com/commercekit/fulfillment-service/internal/domain"
)

// EventRepository manages the append-only audit log. Events are never
// updated or deleted; their serial IDs give a total order that the
// relay and per-order listings rely on.
type EventRepository interface {
	// Append records an event for an order. Payload is marshaled to
	// JSON; a nil payload is stored as an empty object.
	Append(ctx context.Context, orderID string, eventType domain.EventType, payload any) (*domain.Event, error)

	// AppendOnce records an event unless the order already has one of
	// this type, and reports whether this call appended it. Activities
	// call it unconditionally after an entity write: a retry whose
	// earlier attempt wrote the entity but lost the event repairs the
	// log, and a retry that already appended does not duplicate it.
	AppendOnce(ctx context.Context, orderID string, eventType domain.EventType, payload any) (*domain.Event, bool, error)

	// ListByOrder returns events for an order with IDs greater than
	// afterID, oldest first, up to limit.
	ListByOrder(ctx context.Context, orderID string, afterID int64, limit int) ([]*domain.Event, error)

	// ListAfter returns events across all orders with IDs greater
	// than afterID, oldest first, up to limit. The relay uses it to
	// page through the log.
	ListAfter(ctx context.Context, afterID int64, limit int) ([]*domain.Event, error)
}

// OffsetRepository tracks how far a relay consumer has read into the
// event log.
type OffsetRepository interface {
	// GetOffset returns the last event ID the consumer has published,
	// or zero for a consumer with no recorded offset.
	GetOffset(ctx context.Context, consumer string) (int64, error)

	// SetOffset records the last event ID the consumer has published.
	SetOffset(ctx context.Context, consumer string, lastEventID int64) error
}
