package process

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/commercekit/fulfillment-service/internal/domain"
	"github.com/commercekit/fulfillment-service/internal/gateway"
	"github.com/commercekit/fulfillment-service/internal/repository"
)

// Activities bundles the side-effecting operations the fulfillment
// processes execute. Every method is safe to re-run: order and payment
// writes are idempotent on their keys, state transitions tolerate
// having already happened on an earlier attempt, and audit events
// append at most once per order and type. An attempt that wrote the
// entity but lost the event converges on retry, so each step lands
// exactly one event row. The engine's checkpoints make replays rare;
// this makes them harmless.
type Activities struct {
	orders   repository.OrderRepository
	payments repository.PaymentRepository
	events   repository.EventRepository

	source    gateway.OrderSource
	validator gateway.Validator
	payment   gateway.PaymentGateway
	packaging gateway.PackagingService
	carrier   gateway.CarrierService

	logger zerolog.Logger
}

// NewActivities wires the activity set.
func NewActivities(
	orders repository.OrderRepository,
	payments repository.PaymentRepository,
	events repository.EventRepository,
	source gateway.OrderSource,
	validator gateway.Validator,
	payment gateway.PaymentGateway,
	packaging gateway.PackagingService,
	carrier gateway.CarrierService,
	logger zerolog.Logger,
) *Activities {
	return &Activities{
		orders:    orders,
		payments:  payments,
		events:    events,
		source:    source,
		validator: validator,
		payment:   payment,
		packaging: packaging,
		carrier:   carrier,
		logger:    logger.With().Str("component", "activities").Logger(),
	}
}

// ReceiveOrder acknowledges the order upstream and materializes the
// order row in the RECEIVED state.
func (a *Activities) ReceiveOrder(ctx context.Context, input OrderInput) (*domain.Order, error) {
	order := &domain.Order{
		ID:      input.OrderID,
		State:   domain.OrderStateReceived,
		Items:   input.Items,
		Address: input.Address,
	}
	acked, err := a.source.AcknowledgeOrder(ctx, order)
	if err != nil {
		return nil, err
	}

	stored, _, err := a.orders.CreateIfAbsent(ctx, acked)
	if err != nil {
		return nil, err
	}
	if _, _, err := a.events.AppendOnce(ctx, stored.ID, domain.EventOrderReceived,
		map[string]any{"items": len(stored.Items)}); err != nil {
		return nil, err
	}
	return stored, nil
}

// ValidateOrder checks the order against the validator and advances it
// to VALIDATED. A deterministic rejection comes back permanent, so the
// executor fails fast instead of burning retries.
func (a *Activities) ValidateOrder(ctx context.Context, order *domain.Order) (bool, error) {
	if err := a.validator.ValidateOrder(ctx, order); err != nil {
		return false, err
	}
	if err := a.advanceOrder(ctx, order.ID, domain.OrderStateValidated); err != nil {
		return false, err
	}
	if _, _, err := a.events.AppendOnce(ctx, order.ID, domain.EventOrderValidated, nil); err != nil {
		return false, err
	}
	return true, nil
}

// ChargePayment charges the order total under the given payment ID.
// The payment ID is the idempotency key: when a record for it already
// exists, the stored outcome is returned and the gateway is not called
// again.
func (a *Activities) ChargePayment(ctx context.Context, order *domain.Order, paymentID string) (*domain.ChargeResult, error) {
	existing, err := a.payments.GetByID(ctx, paymentID)
	if err == nil {
		a.logger.Info().Str("order_id", order.ID).Str("payment_id", paymentID).Msg("payment already recorded, skipping gateway")
		// An earlier attempt may have crashed between recording the
		// payment and finishing the bookkeeping below.
		if err := a.recordCharge(ctx, order.ID, paymentID, existing.Amount); err != nil {
			return nil, err
		}
		return &domain.ChargeResult{Status: existing.Status, Amount: existing.Amount, Idempotent: true}, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	charge, err := a.payment.Charge(ctx, order.ID, paymentID, order.TotalQty())
	if err != nil {
		return nil, err
	}

	stored, created, err := a.payments.CreateIfAbsent(ctx, &domain.Payment{
		PaymentID: paymentID,
		OrderID:   order.ID,
		Status:    charge.Status,
		Amount:    charge.Amount,
	})
	if err != nil {
		return nil, err
	}
	if err := a.recordCharge(ctx, order.ID, paymentID, stored.Amount); err != nil {
		return nil, err
	}
	// created is false when a concurrent charge under this key won the
	// insert; the stored outcome is authoritative either way.
	return &domain.ChargeResult{Status: stored.Status, Amount: stored.Amount, Idempotent: !created}, nil
}

// recordCharge advances the order to PAID and ensures the audit event,
// converging on retries no matter where an earlier attempt stopped.
func (a *Activities) recordCharge(ctx context.Context, orderID, paymentID string, amount int) error {
	if err := a.advanceOrder(ctx, orderID, domain.OrderStatePaid); err != nil {
		return err
	}
	_, _, err := a.events.AppendOnce(ctx, orderID, domain.EventPaymentCharged,
		map[string]any{"payment_id": paymentID, "amount": amount})
	return err
}

// PreparePackage asks the packaging service to prepare the order.
func (a *Activities) PreparePackage(ctx context.Context, order *domain.Order) (string, error) {
	confirmation, err := a.packaging.PreparePackage(ctx, order)
	if err != nil {
		return "", err
	}
	if _, _, err := a.events.AppendOnce(ctx, order.ID, domain.EventPackagePrepared,
		map[string]any{"confirmation": confirmation}); err != nil {
		return "", err
	}
	return confirmation, nil
}

// DispatchCarrier hands the package to the carrier and advances the
// order to SHIPPED.
func (a *Activities) DispatchCarrier(ctx context.Context, order *domain.Order) (string, error) {
	confirmation, err := a.carrier.DispatchCarrier(ctx, order)
	if err != nil {
		return "", err
	}
	if err := a.advanceOrder(ctx, order.ID, domain.OrderStateShipped); err != nil {
		return "", err
	}
	if _, _, err := a.events.AppendOnce(ctx, order.ID, domain.EventCarrierDispatched,
		map[string]any{"confirmation": confirmation}); err != nil {
		return "", err
	}
	return confirmation, nil
}

// UpdateAddress applies an address change requested by signal.
func (a *Activities) UpdateAddress(ctx context.Context, orderID string, address *domain.Address) error {
	return a.orders.UpdateAddress(ctx, orderID, address)
}

// advanceOrder moves the order forward to next, treating an order that
// already reached next (or beyond, from an earlier attempt) as done.
func (a *Activities) advanceOrder(ctx context.Context, orderID string, next domain.OrderState) error {
	current, err := a.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if !current.State.Advances(next) {
		return nil
	}
	if err := a.orders.UpdateState(ctx, orderID, next); err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			// A concurrent attempt advanced the order first.
			return nil
		}
		return fmt.Errorf("advance order %s to %s: %w", orderID, next, err)
	}
	return nil
}
