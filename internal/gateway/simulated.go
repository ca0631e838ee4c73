package gateway

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/commercekit/fulfillment-service/internal/config"
	"github.com/commercekit/fulfillment-service/internal/domain"
)

// Compile-time interface verification.
var (
	_ OrderSource      = (*SimulatedOrderSource)(nil)
	_ Validator        = (*SimulatedValidator)(nil)
	_ PaymentGateway   = (*SimulatedPaymentGateway)(nil)
	_ PackagingService = (*SimulatedPackagingService)(nil)
	_ CarrierService   = (*SimulatedCarrierService)(nil)
)

// SimulatedOrderSource echoes the canonical order back after a
// flakiness roll.
type SimulatedOrderSource struct {
	flaky *Flakiness
}

// NewSimulatedOrderSource creates a simulated order source.
func NewSimulatedOrderSource(flaky *Flakiness) *SimulatedOrderSource {
	return &SimulatedOrderSource{flaky: flaky}
}

func (s *SimulatedOrderSource) AcknowledgeOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	if err := s.flaky.roll(ctx, "order source"); err != nil {
		return nil, err
	}
	acked := *order
	acked.Items = append([]domain.LineItem(nil), order.Items...)
	return &acked, nil
}

// SimulatedValidator accepts any order with at least one line item.
// The empty-items rejection is deterministic and marked permanent so
// retries are not wasted on it.
type SimulatedValidator struct {
	flaky *Flakiness
}

// NewSimulatedValidator creates a simulated validator.
func NewSimulatedValidator(flaky *Flakiness) *SimulatedValidator {
	return &SimulatedValidator{flaky: flaky}
}

func (s *SimulatedValidator) ValidateOrder(ctx context.Context, order *domain.Order) error {
	if err := s.flaky.roll(ctx, "validator"); err != nil {
		return err
	}
	if len(order.Items) == 0 {
		return domain.Permanent(domain.NewValidationError("items", "order has no items"))
	}
	return nil
}

// SimulatedPaymentGateway charges payments after a flakiness roll.
// A shared rate limiter throttles charge attempts the way a real
// payment provider would.
type SimulatedPaymentGateway struct {
	flaky   *Flakiness
	limiter *rate.Limiter
}

// NewSimulatedPaymentGateway creates a simulated payment gateway with
// the configured rate limit.
func NewSimulatedPaymentGateway(flaky *Flakiness, cfg config.GatewaysConfig) *SimulatedPaymentGateway {
	return &SimulatedPaymentGateway{
		flaky:   flaky,
		limiter: rate.NewLimiter(rate.Limit(cfg.PaymentRateLimit), cfg.PaymentRateBurst),
	}
}

func (s *SimulatedPaymentGateway) Charge(ctx context.Context, orderID, paymentID string, amount int) (*domain.ChargeResult, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if err := s.flaky.roll(ctx, "payment"); err != nil {
		return nil, err
	}
	return &domain.ChargeResult{Status: domain.PaymentStatusCharged, Amount: amount}, nil
}

// SimulatedPackagingService prepares packages after a flakiness roll.
type SimulatedPackagingService struct {
	flaky *Flakiness
}

// NewSimulatedPackagingService creates a simulated packaging service.
func NewSimulatedPackagingService(flaky *Flakiness) *SimulatedPackagingService {
	return &SimulatedPackagingService{flaky: flaky}
}

func (s *SimulatedPackagingService) PreparePackage(ctx context.Context, order *domain.Order) (string, error) {
	if err := s.flaky.roll(ctx, "packaging"); err != nil {
		return "", err
	}
	return fmt.Sprintf("package-prepared:%s", order.ID), nil
}

// SimulatedCarrierService dispatches packages after a flakiness roll.
type SimulatedCarrierService struct {
	flaky *Flakiness
}

// NewSimulatedCarrierService creates a simulated carrier service.
func NewSimulatedCarrierService(flaky *Flakiness) *SimulatedCarrierService {
	return &SimulatedCarrierService{flaky: flaky}
}

func (s *SimulatedCarrierService) DispatchCarrier(ctx context.Context, order *domain.Order) (string, error) {
	if err := s.flaky.roll(ctx, "carrier"); err != nil {
		return "", err
	}
	return fmt.Sprintf("dispatched:%s", order.ID), nil
}
