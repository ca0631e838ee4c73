package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/commercekit/fulfillment-service/internal/domain"
)

// Compile-time interface verification.
var _ EventRepository = (*PgEventRepository)(nil)

// PgEventRepository is a PostgreSQL implementation of EventRepository.
// Pass a transaction as DBTX to append an event atomically with the
// state change it records.
type PgEventRepository struct {
	db DBTX
}

// NewPgEventRepository creates a new PostgreSQL event repository.
func NewPgEventRepository(db DBTX) *PgEventRepository {
	return &PgEventRepository{db: db}
}

// Append records an event for an order.
func (r *PgEventRepository) Append(ctx context.Context, orderID string, eventType domain.EventType, payload any) (*domain.Event, error) {
	if orderID == "" {
		return nil, domain.NewValidationError("order_id", "order ID is required")
	}
	if eventType == "" {
		return nil, domain.NewValidationError("type", "event type is required")
	}

	payloadJSON := []byte(`{}`)
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	query := `
		INSERT INTO events (order_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	event := &domain.Event{
		OrderID:   orderID,
		Type:      eventType,
		Payload:   payloadJSON,
		CreatedAt: time.Now().UTC(),
	}
	err := r.db.QueryRow(ctx, query, orderID, eventType, payloadJSON, event.CreatedAt).Scan(&event.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, domain.NewNotFoundError("order", orderID)
		}
		return nil, fmt.Errorf("failed to append event: %w", err)
	}
	return event, nil
}

// AppendOnce records an event unless the order already has one of this
// type. The insert and the existence check run in one statement, so a
// concurrent attempt cannot slip a duplicate in between.
func (r *PgEventRepository) AppendOnce(ctx context.Context, orderID string, eventType domain.EventType, payload any) (*domain.Event, bool, error) {
	if orderID == "" {
		return nil, false, domain.NewValidationError("order_id", "order ID is required")
	}
	if eventType == "" {
		return nil, false, domain.NewValidationError("type", "event type is required")
	}

	payloadJSON := []byte(`{}`)
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	query := `
		INSERT INTO events (order_id, type, payload, created_at)
		SELECT $1, $2, $3, $4
		WHERE NOT EXISTS (
			SELECT 1 FROM events WHERE order_id = $1 AND type = $2
		)
		RETURNING id`

	event := &domain.Event{
		OrderID:   orderID,
		Type:      eventType,
		Payload:   payloadJSON,
		CreatedAt: time.Now().UTC(),
	}
	err := r.db.QueryRow(ctx, query, orderID, eventType, payloadJSON, event.CreatedAt).Scan(&event.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, false, domain.NewNotFoundError("order", orderID)
		}
		return nil, false, fmt.Errorf("failed to append event: %w", err)
	}
	return event, true, nil
}

// ListByOrder returns events for an order after the given ID, oldest first.
func (r *PgEventRepository) ListByOrder(ctx context.Context, orderID string, afterID int64, limit int) ([]*domain.Event, error) {
	if orderID == "" {
		return nil, domain.NewValidationError("order_id", "order ID is required")
	}

	query := `
		SELECT id, order_id, type, payload, created_at
		FROM events
		WHERE order_id = $1 AND id > $2
		ORDER BY id ASC
		LIMIT $3`

	rows, err := r.db.Query(ctx, query, orderID, afterID, clampEventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListAfter returns events across all orders after the given ID, oldest first.
func (r *PgEventRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]*domain.Event, error) {
	query := `
		SELECT id, order_id, type, payload, created_at
		FROM events
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, afterID, clampEventLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]*domain.Event, error) {
	events := make([]*domain.Event, 0)
	for rows.Next() {
		var event domain.Event
		if err := rows.Scan(&event.ID, &event.OrderID, &event.Type, &event.Payload, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// Compile-time interface verification.
var _ OffsetRepository = (*PgOffsetRepository)(nil)

// PgOffsetRepository is a PostgreSQL implementation of OffsetRepository.
type PgOffsetRepository struct {
	db DBTX
}

// NewPgOffsetRepository creates a new PostgreSQL offset repository.
func NewPgOffsetRepository(db DBTX) *PgOffsetRepository {
	return &PgOffsetRepository{db: db}
}

// GetOffset returns the consumer's last published event ID, zero when
// the consumer has never published.
func (r *PgOffsetRepository) GetOffset(ctx context.Context, consumer string) (int64, error) {
	if consumer == "" {
		return 0, domain.NewValidationError("consumer", "consumer name is required")
	}

	query := `SELECT COALESCE(MAX(last_event_id), 0) FROM relay_offsets WHERE consumer = $1`

	var offset int64
	if err := r.db.QueryRow(ctx, query, consumer).Scan(&offset); err != nil {
		return 0, fmt.Errorf("failed to get relay offset: %w", err)
	}
	return offset, nil
}

// SetOffset records the consumer's last published event ID.
func (r *PgOffsetRepository) SetOffset(ctx context.Context, consumer string, lastEventID int64) error {
	if consumer == "" {
		return domain.NewValidationError("consumer", "consumer name is required")
	}

	query := `
		INSERT INTO relay_offsets (consumer, last_event_id, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (consumer) DO UPDATE SET
			last_event_id = EXCLUDED.last_event_id,
			updated_at = EXCLUDED.updated_at`

	if _, err := r.db.Exec(ctx, query, consumer, lastEventID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set relay offset: %w", err)
	}
	return nil
}
