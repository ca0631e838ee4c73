// Package repository provides data access interfaces and implementations
// for the Order Fulfillment Service.
//
// # Overview
//
// This package defines repository interfaces and their PostgreSQL implementations
// following the repository pattern to abstract data persistence from business logic.
//
// # Repository Interfaces
//
// The package provides the following repository interfaces:
//
//   - OrderRepository: Manages order rows and their monotonic state transitions
//   - PaymentRepository: Manages idempotent payment records
//   - EventRepository: Manages the append-only audit event log
//   - OffsetRepository: Tracks relay consumer positions in the event log
//
// PgProcessStore additionally implements engine.Store, the write-ahead
// backend of the process engine.
//
// # Thread Safety
//
// All repository implementations are safe for concurrent use by multiple goroutines.
// The underlying pgxpool handles connection pooling and synchronization.
//
// # Error Handling
//
// All methods return domain-specific errors from the domain package.
// Wrap database errors with context using fmt.Errorf with %w verb.
// Common errors include:
//
//   - domain.ErrNotFound: Resource does not exist
//   - domain.ErrAlreadyExists: Unique constraint violation
//   - domain.ErrInvalidInput: Invalid parameters provided
//
// # Transactions
//
// Use the DBTX interface to support both pool and transaction contexts.
// Pass transaction from database.DB.WithTransaction for atomic operations.
package repository

import (
	"github.com/commercekit/fulfillment-service/internal/database"
)

// DBTX is the database interface supporting both pool and transaction contexts.
// This allows repositories to work with both direct pool connections and transactions.
//
// Repository implementations follow a constructor pattern that accepts DBTX:
//
//	orderRepo := repository.NewPgOrderRepository(db)
//
// Passing a pgx.Tx instead runs every operation on the same transaction:
//
//	err := db.WithTransaction(ctx, func(tx pgx.Tx) error {
//	    txRepo := repository.NewPgEventRepository(tx)
//	    _, err := txRepo.Append(ctx, orderID, domain.EventPaymentCharged, payload)
//	    return err
//	})
type DBTX = database.DBTX

// Event listing defaults and limits.
const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// clampEventLimit normalizes a caller-supplied limit for event queries.
func clampEventLimit(limit int) int {
	if limit <= 0 {
		return defaultEventLimit
	}
	if limit > maxEventLimit {
		return maxEventLimit
	}
	return limit
}
