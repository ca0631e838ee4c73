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

func orderRows(orderID string, state domain.OrderState, now time.Time) *pgxmock.Rows {
	return pgxmock.NewRows([]string{"id", "state", "items", "address", "created_at", "updated_at"}).
		AddRow(orderID, state, []byte(`[{"sku":"widget","qty":2}]`), []byte(nil), now, now)
}

func TestPgOrderRepository_CreateIfAbsent(t *testing.T) {
	t.Run("inserts new order", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgOrderRepository(mock)
		ctx := context.Background()
		now := time.Now().UTC()

		mock.ExpectExec(`INSERT INTO orders`).
			WithArgs("order-1", domain.OrderStateReceived, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectQuery(`SELECT id, state, items, address, created_at, updated_at FROM orders WHERE id = \$1`).
			WithArgs("order-1").
			WillReturnRows(orderRows("order-1", domain.OrderStateReceived, now))

		stored, created, err := repo.CreateIfAbsent(ctx, &domain.Order{
			ID:    "order-1",
			Items: []domain.LineItem{{SKU: "widget", Qty: 2}},
		})
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, domain.OrderStateReceived, stored.State)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns existing order without insert", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgOrderRepository(mock)
		ctx := context.Background()
		now := time.Now().UTC()

		mock.ExpectExec(`INSERT INTO orders`).
			WithArgs("order-1", domain.OrderStateReceived, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 0))
		mock.ExpectQuery(`SELECT id, state, items, address, created_at, updated_at FROM orders WHERE id = \$1`).
			WithArgs("order-1").
			WillReturnRows(orderRows("order-1", domain.OrderStateValidated, now))

		stored, created, err := repo.CreateIfAbsent(ctx, &domain.Order{ID: "order-1"})
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, domain.OrderStateValidated, stored.State)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects missing order ID", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgOrderRepository(mock)
		_, _, err = repo.CreateIfAbsent(context.Background(), &domain.Order{})
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})
}

func TestPgOrderRepository_GetByID(t *testing.T) {
	t.Run("returns not found for missing order", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgOrderRepository(mock)
		mock.ExpectQuery(`SELECT id, state, items, address, created_at, updated_at FROM orders WHERE id = \$1`).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err = repo.GetByID(context.Background(), "missing")
		assert.True(t, errors.Is(err, domain.ErrNotFound))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPgOrderRepository_UpdateState(t *testing.T) {
	t.Run("advances order state", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgOrderRepository(mock)
		ctx := context.Background()
		now := time.Now().UTC()

		mock.ExpectQuery(`SELECT id, state, items, address, created_at, updated_at FROM orders WHERE id = \$1`).
			WithArgs("order-1").
			WillReturnRows(orderRows("order-1", domain.OrderStateReceived, now))
		mock.ExpectExec(`UPDATE orders SET state = \$1, updated_at = \$2 WHERE id = \$3 AND state = \$4`).
			WithArgs(domain.OrderStateValidated, pgxmock.AnyArg(), "order-1", domain.OrderStateReceived).
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = repo.UpdateState(ctx, "order-1", domain.OrderStateValidated)
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects backwards transition", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgOrderRepository(mock)
		now := time.Now().UTC()

		mock.ExpectQuery(`SELECT id, state, items, address, created_at, updated_at FROM orders WHERE id = \$1`).
			WithArgs("order-1").
			WillReturnRows(orderRows("order-1", domain.OrderStatePaid, now))

		err = repo.UpdateState(context.Background(), "order-1", domain.OrderStateValidated)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rejects same-state transition", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgOrderRepository(mock)
		now := time.Now().UTC()

		mock.ExpectQuery(`SELECT id, state, items, address, created_at, updated_at FROM orders WHERE id = \$1`).
			WithArgs("order-1").
			WillReturnRows(orderRows("order-1", domain.OrderStatePaid, now))

		err = repo.UpdateState(context.Background(), "order-1", domain.OrderStatePaid)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})

	t.Run("detects concurrent transition", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgOrderRepository(mock)
		now := time.Now().UTC()

		mock.ExpectQuery(`SELECT id, state, items, address, created_at, updated_at FROM orders WHERE id = \$1`).
			WithArgs("order-1").
			WillReturnRows(orderRows("order-1", domain.OrderStateReceived, now))
		mock.ExpectExec(`UPDATE orders SET state = \$1, updated_at = \$2 WHERE id = \$3 AND state = \$4`).
			WithArgs(domain.OrderStateValidated, pgxmock.AnyArg(), "order-1", domain.OrderStateReceived).
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = repo.UpdateState(context.Background(), "order-1", domain.OrderStateValidated)
		assert.True(t, errors.Is(err, domain.ErrInvalidInput))
	})
}

func TestPgOrderRepository_UpdateAddress(t *testing.T) {
	t.Run("updates address", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgOrderRepository(mock)
		mock.ExpectExec(`UPDATE orders SET address = \$1, updated_at = \$2 WHERE id = \$3`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "order-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		err = repo.UpdateAddress(context.Background(), "order-1", &domain.Address{City: "Lisbon", Country: "PT"})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("returns not found for missing order", func(t *testing.T) {
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		repo := NewPgOrderRepository(mock)
		mock.ExpectExec(`UPDATE orders SET address = \$1, updated_at = \$2 WHERE id = \$3`).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), "missing").
			WillReturnResult(pgxmock.NewResult("UPDATE", 0))

		err = repo.UpdateAddress(context.Background(), "missing", &domain.Address{City: "Lisbon"})
		assert.True(t, errors.Is(err, domain.ErrNotFound))
	})
}
