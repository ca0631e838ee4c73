package repository

import (
	"context"

	"github.com/commercekit/fulfillment-service/internal/domain"
)

// OrderRepository manages order persistence. Order state only moves
// forward: UpdateState rejects transitions that do not advance the
// lifecycle, so a replayed step can never regress an order.
type OrderRepository interface {
	// CreateIfAbsent inserts the order if no row with its ID exists
	// and returns the stored row either way. Created reports whether
	// this call inserted it.
	CreateIfAbsent(ctx context.Context, order *domain.Order) (stored *domain.Order, created bool, err error)

	// GetByID retrieves an order by its identifier.
	GetByID(ctx context.Context, orderID string) (*domain.Order, error)

	// UpdateState advances the order to next. It returns
	// domain.ErrInvalidInput when next does not advance the current
	// state and domain.ErrNotFound when the order does not exist.
	UpdateState(ctx context.Context, orderID string, next domain.OrderState) error

	// UpdateAddress replaces the order's shipping address.
	UpdateAddress(ctx context.Context, orderID string, address *domain.Address) error
}
