// Package gateway defines the external service boundaries of the
// fulfillment pipeline and ships simulated implementations of each.
// The simulations misbehave on purpose: a configurable share of calls
// fails outright and another share stalls past any sane deadline,
// which is what exercises the engine's timeout and retry handling.
package gateway

import (
	"context"

	"github.com/commercekit/fulfillment-service/internal/domain"
)

// OrderSource acknowledges incoming orders with the upstream commerce
// system, which returns the canonical order record.
type OrderSource interface {
	AcknowledgeOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)
}

// Validator checks whether an order can be fulfilled.
type Validator interface {
	ValidateOrder(ctx context.Context, order *domain.Order) error
}

// PaymentGateway charges payments. Implementations are not expected to
// be idempotent; the payment repository provides that on top.
type PaymentGateway interface {
	Charge(ctx context.Context, orderID, paymentID string, amount int) (*domain.ChargeResult, error)
}

// PackagingService prepares an order's package for shipment and
// returns a confirmation reference.
type PackagingService interface {
	PreparePackage(ctx context.Context, order *domain.Order) (string, error)
}

// CarrierService hands a prepared package to the carrier and returns a
// dispatch confirmation.
type CarrierService interface {
	DispatchCarrier(ctx context.Context, order *domain.Order) (string, error)
}
