package process

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/commercekit/fulfillment-service/internal/config"
	"github.com/commercekit/fulfillment-service/internal/domain"
	"github.com/commercekit/fulfillment-service/internal/engine"
)

// OrderProcess is the top-level fulfillment process. It drives an
// order through RECEIVE, VALIDATE, MANUAL_REVIEW, PAY, and SHIP,
// checking the cancellation flag after each completed activity step.
// Whatever happens, it produces a structured ProcessResult; a failed
// or cancelled run carries the step it stopped at and every error
// collected on the way.
type OrderProcess struct {
	activities *Activities
	cfg        config.EngineConfig
}

// NewOrderProcess creates the order process over the given activities.
func NewOrderProcess(activities *Activities, cfg config.EngineConfig) *OrderProcess {
	return &OrderProcess{activities: activities, cfg: cfg}
}

// Register registers the order process and its shipping child with the
// engine.
func Register(e *engine.Engine, activities *Activities) {
	cfg := e.Config()
	engine.RegisterProcess(e, OrderProcessName, NewOrderProcess(activities, cfg).run)
	engine.RegisterProcess(e, ShippingProcessName, NewShippingProcess(activities, cfg).run)
}

func (w *OrderProcess) run(p *engine.Process, input OrderInput) (domain.ProcessResult, error) {
	result := domain.ProcessResult{
		Status:  domain.ProcessStatusFailed,
		OrderID: input.OrderID,
		Errors:  []string{},
	}
	logger := p.Logger()

	p.OnSignal(SignalCancelOrder, func([]byte) {
		p.Cancel()
	})
	p.OnSignal(SignalApproveReview, func([]byte) {
		logger.Info().Msg("manual review approved")
	})
	p.OnSignal(SignalUpdateAddress, func(payload []byte) {
		var update AddressUpdate
		if err := json.Unmarshal(payload, &update); err != nil {
			logger.Warn().Err(err).Msg("malformed update_address payload")
			return
		}
		if err := w.activities.UpdateAddress(p.Context(), input.OrderID, &update.Address); err != nil {
			p.AppendError(fmt.Sprintf("address update failed: %v", err))
			return
		}
		logger.Info().Msg("shipping address updated")
	})
	p.OnSignal(SignalDispatchFailed, func(payload []byte) {
		reason := "dispatch failed"
		var failure DispatchFailure
		if err := json.Unmarshal(payload, &failure); err == nil && failure.Reason != "" {
			reason = failure.Reason
		}
		entry := fmt.Sprintf("%s:%s", SignalDispatchFailed, reason)
		for _, existing := range p.Errors() {
			if existing == entry {
				return
			}
		}
		p.AppendError(entry)
	})

	cancelled := func() bool {
		p.DrainSignals()
		return p.Canceled()
	}
	fail := func(step string, cause error) (domain.ProcessResult, error) {
		p.AppendError(cause.Error())
		result.Step = step
		result.Errors = p.Errors()
		return result, cause
	}
	cancel := func(step string) (domain.ProcessResult, error) {
		result.Step = step
		result.Errors = p.Errors()
		return result, domain.ErrCanceled
	}

	// RECEIVE
	p.SetStep(StepReceive)
	order, err := engine.ExecuteActivity(p, w.opts("ReceiveOrder", w.cfg.ReceiveTimeout),
		func(ctx context.Context) (*domain.Order, error) {
			return w.activities.ReceiveOrder(ctx, input)
		})
	if err != nil {
		return fail(StepReceive, err)
	}
	if cancelled() {
		return cancel(StepReceive)
	}

	// VALIDATE
	p.SetStep(StepValidate)
	if _, err := engine.ExecuteActivity(p, w.opts("ValidateOrder", w.cfg.ValidateTimeout),
		func(ctx context.Context) (bool, error) {
			return w.activities.ValidateOrder(ctx, order)
		}); err != nil {
		return fail(StepValidate, err)
	}
	if cancelled() {
		return cancel(StepValidate)
	}

	// MANUAL_REVIEW: an unconditional pause, long enough for an
	// operator to intervene. Approval is acknowledged but does not
	// shorten it.
	p.SetStep(StepManualReview)
	if err := p.Sleep("manual_review", w.cfg.ManualReviewDelay); err != nil {
		return fail(StepManualReview, err)
	}

	// PAY
	p.SetStep(StepPay)
	paymentID := fmt.Sprintf("%s:pay", p.RunID())
	if _, err := engine.ExecuteActivity(p, w.opts("ChargePayment", w.cfg.ChargeTimeout),
		func(ctx context.Context) (*domain.ChargeResult, error) {
			return w.activities.ChargePayment(ctx, order, paymentID)
		}); err != nil {
		return fail(StepPay, err)
	}
	// The review pause has no checkpoint of its own: a cancel raised
	// while it waits is honored here. The charge stands (it is
	// idempotent and refunds are out of scope) but the order does not
	// ship.
	if cancelled() {
		return cancel(StepPay)
	}

	// SHIP
	p.SetStep(StepShip)
	ship, err := engine.RunChild[ShippingInput, ShippingResult](p, ShippingProcessName,
		fmt.Sprintf("%s:shipping", p.RunID()),
		ShippingInput{OrderID: order.ID, Items: order.Items, Address: order.Address})
	if err != nil {
		// Pick up the child's advisory dispatch_failed signal before
		// recording the propagated failure.
		p.DrainSignals()
		return fail(StepShip, err)
	}
	result.Ship = ship.Dispatched

	p.DrainSignals()
	result.Status = domain.ProcessStatusCompleted
	result.Step = StepShip
	result.Errors = p.Errors()
	return result, nil
}

func (w *OrderProcess) opts(name string, timeout time.Duration) engine.ActivityOptions {
	return engine.ActivityOptions{Name: name, Timeout: timeout, MaxAttempts: w.cfg.MaxAttempts}
}
