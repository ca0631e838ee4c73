package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/fulfillment-service/internal/domain"
)

func paymentRows(paymentID, orderID string, amount int, now time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"payment_id", "order_id", "status", "amount", "created_at"}).
		AddRow(paymentID, orderID, domain.PaymentStatusCharged, amount, now)
}

func TestPgPaymentRepository_CreateIfAbsent(t *testing.T) {
	t.Run("inserts new payment", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaymentRepository(mock)
		ctx := context.Background()
		now := time.Now().UTC()

		mock.ExpectExec(`INSERT INTO payments`).
			WithArgs("pay-1", "order-1", domain.PaymentStatusCharged, 5, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectQuery(`SELECT payment_id, order_id, status, amount, created_at FROM payments WHERE payment_id = \$1`).
			WithArgs("pay-1").
			WillReturnRows(paymentRows("pay-1", "order-1", 5, now))

		stored, created, err := repo.CreateIfAbsent(ctx, &domain.Payment{
			PaymentID: "pay-1",
			OrderID:   "order-1",
			Status:    domain.PaymentStatusCharged,
			Amount:    5,
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, 5, stored.Amount)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("repeat payment ID returns original record", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaymentRepository(mock)
		ctx := context.Background()
		now := time.Now().UTC()

		mock.ExpectExec(`INSERT INTO payments`).
			WithArgs("pay-1", "order-1", domain.PaymentStatusCharged, 9, pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectQuery(`SELECT payment_id, order_id, status, amount, created_at FROM payments WHERE payment_id = \$1`).
			WithArgs("pay-1").
			WillReturnRows(paymentRows("pay-1", "order-1", 5, now))

		stored, created, err := repo.CreateIfAbsent(ctx, &domain.Payment{
			PaymentID: "pay-1",
			OrderID:   "order-1",
			Status:    domain.PaymentStatusCharged,
			Amount:    9,
		})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, 5, stored.Amount, "stored amount wins over the retried one")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects negative amount", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaymentRepository(mock)
		_, _, err = repo.CreateIfAbsent(context.Background(), &domain.Payment{
			PaymentID: "pay-1", OrderID: "order-1", Amount: -1,
		})
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})
}

func TestPgPaymentRepository_GetByID(t *testing.T) {
	t.Run("returns not found for missing payment", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaymentRepository(mock)
		mock.ExpectQuery(`SELECT payment_id, order_id, status, amount, created_at FROM payments WHERE payment_id = \$1`).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err = repo.GetByID(context.Background(), "missing")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}

func TestPgPaymentRepository_ListByOrder(t *testing.T) {
	t.Run("returns payments oldest first", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgPaymentRepository(mock)
		now := time.Now().UTC()

		mock.ExpectQuery(`SELECT payment_id, order_id, status, amount, created_at FROM payments WHERE order_id = \$1 ORDER BY created_at ASC`).
			WithArgs("order-1").
			WillReturnRows(pgxmock.NewRows([]string{"payment_id", "order_id", "status", "amount", "created_at"}).
				AddRow("pay-1", "order-1", domain.PaymentStatusCharged, 5, now).
				AddRow("pay-2", "order-1", domain.PaymentStatusRefunded, 5, now.Add(time.Minute)))

		payments, err := repo.ListByOrder(context.Background(), "order-1")
		require.NoError(t, err)
		require.Len(t, payments, 2)
		assert.Equal(t, "pay-1", payments[0].PaymentID)
		assert.Equal(t, domain.PaymentStatusRefunded, payments[1].Status)
	})
}
