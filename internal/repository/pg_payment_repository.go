package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/commercekit/fulfillment-service/internal/domain"
)

// Compile-time interface verification.
var _ PaymentRepository = (*PgPaymentRepository)(nil)

// PgPaymentRepository is a PostgreSQL implementation of PaymentRepository.
type PgPaymentRepository struct {
	db DBTX
}

// NewPgPaymentRepository creates a new PostgreSQL payment repository.
func NewPgPaymentRepository(db DBTX) *PgPaymentRepository {
	return &PgPaymentRepository{db: db}
}

// CreateIfAbsent inserts the payment unless a record with the same
// payment ID exists, then reads the stored record back. Two racing
// charges with one idempotency key settle on the first writer's row.
func (r *PgPaymentRepository) CreateIfAbsent(ctx context.Context, payment *domain.Payment) (*domain.Payment, bool, error) {
	if payment == nil {
		return nil, false, domain.NewValidationError("payment", "payment cannot be nil")
	}
	if payment.PaymentID == "" {
		return nil, false, domain.NewValidationError("payment_id", "payment ID is required")
	}
	if payment.OrderID == "" {
		return nil, false, domain.NewValidationError("order_id", "order ID is required")
	}
	if payment.Amount < 0 {
		return nil, false, domain.NewValidationError("amount", "amount cannot be negative")
	}

	query := `
		INSERT INTO payments (payment_id, order_id, status, amount, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payment_id) DO NOTHING`

	now := time.Now().UTC()
	result, err := r.db.Exec(ctx, query, payment.PaymentID, payment.OrderID, payment.Status, payment.Amount, now)
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert payment: %w", err)
	}
	created := result.RowsAffected() > 0

	stored, err := r.GetByID(ctx, payment.PaymentID)
	if err != nil {
		return nil, false, err
	}
	return stored, created, nil
}

// GetByID retrieves a payment by its payment ID.
func (r *PgPaymentRepository) GetByID(ctx context.Context, paymentID string) (*domain.Payment, error) {
	if paymentID == "" {
		return nil, domain.NewValidationError("payment_id", "payment ID is required")
	}

	query := `
		SELECT payment_id, order_id, status, amount, created_at
		FROM payments
		WHERE payment_id = $1`

	var payment domain.Payment
	err := r.db.QueryRow(ctx, query, paymentID).Scan(
		&payment.PaymentID, &payment.OrderID, &payment.Status, &payment.Amount, &payment.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("payment", paymentID)
		}
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return &payment, nil
}

// ListByOrder returns all payments recorded for an order, oldest first.
func (r *PgPaymentRepository) ListByOrder(ctx context.Context, orderID string) ([]*domain.Payment, error) {
	if orderID == "" {
		return nil, domain.NewValidationError("order_id", "order ID is required")
	}

	query := `
		SELECT payment_id, order_id, status, amount, created_at
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*domain.Payment
	for rows.Next() {
		var payment domain.Payment
		if err := rows.Scan(&payment.PaymentID, &payment.OrderID, &payment.Status, &payment.Amount, &payment.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, &payment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, nil
}
