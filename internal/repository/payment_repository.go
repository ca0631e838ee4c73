package repository

import (
	"context"

	"github.com/commercekit/fulfillment-service/internal/domain"
)

// PaymentRepository manages payment records. The payment ID is the
// idempotency key: CreateIfAbsent never overwrites an existing record,
// it returns the stored one, which is how a retried charge resolves to
// the outcome of the first.
type PaymentRepository interface {
	// CreateIfAbsent inserts the payment if no record with its
	// payment ID exists and returns the stored record either way.
	// Created reports whether this call inserted it.
	CreateIfAbsent(ctx context.Context, payment *domain.Payment) (stored *domain.Payment, created bool, err error)

	// GetByID retrieves a payment by its payment ID.
	GetByID(ctx context.Context, paymentID string) (*domain.Payment, error)

	// ListByOrder returns all payments recorded for an order, oldest
	// first.
	ListByOrder(ctx context.Context, orderID string) ([]*domain.Payment, error)
}
