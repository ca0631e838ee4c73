package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/commercekit/fulfillment-service/internal/domain"
)

// Compile-time interface verification.
var _ OrderRepository = (*PgOrderRepository)(nil)

// PgOrderRepository is a PostgreSQL implementation of OrderRepository.
type PgOrderRepository struct {
	db DBTX
}

// NewPgOrderRepository creates a new PostgreSQL order repository.
func NewPgOrderRepository(db DBTX) *PgOrderRepository {
	return &PgOrderRepository{db: db}
}

// CreateIfAbsent inserts the order unless a row with its ID already
// exists, then reads the stored row back. A concurrent insert of the
// same order therefore resolves to a single row with both callers
// seeing it.
func (r *PgOrderRepository) CreateIfAbsent(ctx context.Context, order *domain.Order) (*domain.Order, bool, error) {
	if order == nil {
		return nil, false, domain.NewValidationError("order", "order cannot be nil")
	}
	if order.ID == "" {
		return nil, false, domain.NewValidationError("order_id", "order ID is required")
	}
	state := order.State
	if state == "" {
		state = domain.OrderStateReceived
	}
	if !domain.IsValidOrderState(state) {
		return nil, false, domain.NewValidationError("state", fmt.Sprintf("unknown order state %q", state))
	}

	itemsJSON, err := json.Marshal(order.Items)
	if err != nil {
		return nil, false, fmt.Errorf("failed to marshal items: %w", err)
	}
	var addressJSON []byte
	if order.Address != nil {
		addressJSON, err = json.Marshal(order.Address)
		if err != nil {
			return nil, false, fmt.Errorf("failed to marshal address: %w", err)
		}
	}

	query := `
		INSERT INTO orders (id, state, items, address, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (id) DO NOTHING`

	now := time.Now().UTC()
	result, err := r.db.Exec(ctx, query, order.ID, state, itemsJSON, addressJSON, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert order: %w", err)
	}
	created := result.RowsAffected() > 0

	stored, err := r.GetByID(ctx, order.ID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetByID retrieves an order by its identifier.
func (r *PgOrderRepository) GetByID(ctx context.Context, orderID string) (*domain.Order, error) {
	if orderID == "" {
		return nil, domain.NewValidationError("order_id", "order ID is required")
	}

	query := `
		SELECT id, state, items, address, created_at, updated_at
		FROM orders
		WHERE id = $1`

	order, err := scanOrder(r.db.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("order", orderID)
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// UpdateState advances the order's state. The current state is read
// first and the update is guarded on it, so a concurrent transition
// cannot be overwritten and a replayed step cannot move the order
// backwards.
func (r *PgOrderRepository) UpdateState(ctx context.Context, orderID string, next domain.OrderState) error {
	if !domain.IsValidOrderState(next) {
		return domain.NewValidationError("state", fmt.Sprintf("unknown order state %q", next))
	}

	current, err := r.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if !current.State.Advances(next) {
		return domain.NewValidationError("state",
			fmt.Sprintf("cannot transition order from %s to %s", current.State, next))
	}

	query := `
		UPDATE orders
		SET state = $1, updated_at = $2
		WHERE id = $3 AND state = $4`

	result, err := r.db.Exec(ctx, query, next, time.Now().UTC(), orderID, current.State)
	if err != nil {
		return fmt.Errorf("failed to update order state: %w", err)
	}
	if result.RowsAffected() == 0 {
		// Lost the race against another transition; the caller sees
		// the same rejection as a stale transition.
		return domain.NewValidationError("state",
			fmt.Sprintf("concurrent transition detected for order %s", orderID))
	}
	return nil
}

// UpdateAddress replaces the order's shipping address.
func (r *PgOrderRepository) UpdateAddress(ctx context.Context, orderID string, address *domain.Address) error {
	if address == nil {
		return domain.NewValidationError("address", "address cannot be nil")
	}
	addressJSON, err := json.Marshal(address)
	if err != nil {
		return fmt.Errorf("failed to marshal address: %w", err)
	}

	query := `
		UPDATE orders
		SET address = $1, updated_at = $2
		WHERE id = $3`

	result, err := r.db.Exec(ctx, query, addressJSON, time.Now().UTC(), orderID)
	if err != nil {
		return fmt.Errorf("failed to update order address: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("order", orderID)
	}
	return nil
}

// orderScanDest holds the destination pointers for scanning an order row.
type orderScanDest struct {
	order       domain.Order
	itemsJSON   []byte
	addressJSON []byte
}

func (d *orderScanDest) destinations() []interface{} {
	return []interface{}{
		&d.order.ID, &d.order.State, &d.itemsJSON, &d.addressJSON,
		&d.order.CreatedAt, &d.order.UpdatedAt,
	}
}

func (d *orderScanDest) finalize() (*domain.Order, error) {
	if len(d.itemsJSON) > 0 {
		if err := json.Unmarshal(d.itemsJSON, &d.order.Items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal items: %w", err)
		}
	}
	if len(d.addressJSON) > 0 {
		if err := json.Unmarshal(d.addressJSON, &d.order.Address); err != nil {
			return nil, fmt.Errorf("failed to unmarshal address: %w", err)
		}
	}
	return &d.order, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var dest orderScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}
