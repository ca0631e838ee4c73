package process

import (
	"context"
	"encoding/json"

	"github.com/commercekit/fulfillment-service/internal/config"
	"github.com/commercekit/fulfillment-service/internal/domain"
	"github.com/commercekit/fulfillment-service/internal/engine"
)

// ShippingProcess is the child process the order process delegates the
// shipping leg to: prepare the package, then dispatch the carrier.
// A dispatch failure is reported to the parent twice, deliberately: an
// advisory dispatch_failed signal first, then the failure itself
// propagated through the child's terminal state.
type ShippingProcess struct {
	activities *Activities
	cfg        config.EngineConfig
}

// NewShippingProcess creates the shipping process over the given
// activities.
func NewShippingProcess(activities *Activities, cfg config.EngineConfig) *ShippingProcess {
	return &ShippingProcess{activities: activities, cfg: cfg}
}

func (w *ShippingProcess) run(p *engine.Process, input ShippingInput) (ShippingResult, error) {
	order := &domain.Order{ID: input.OrderID, Items: input.Items, Address: input.Address}

	p.SetStep(StepPrepare)
	prepared, err := engine.ExecuteActivity(p,
		engine.ActivityOptions{Name: "PreparePackage", Timeout: w.cfg.PrepareTimeout, MaxAttempts: w.cfg.MaxAttempts},
		func(ctx context.Context) (string, error) {
			return w.activities.PreparePackage(ctx, order)
		})
	if err != nil {
		w.notifyParent(p, err)
		return ShippingResult{}, err
	}

	p.SetStep(StepDispatch)
	dispatched, err := engine.ExecuteActivity(p,
		engine.ActivityOptions{Name: "DispatchCarrier", Timeout: w.cfg.DispatchTimeout, MaxAttempts: w.cfg.MaxAttempts},
		func(ctx context.Context) (string, error) {
			return w.activities.DispatchCarrier(ctx, order)
		})
	if err != nil {
		w.notifyParent(p, err)
		return ShippingResult{}, err
	}

	return ShippingResult{Prepared: prepared, Dispatched: dispatched}, nil
}

// notifyParent sends the advisory dispatch_failed signal before the
// failure propagates through the child's own terminal state.
func (w *ShippingProcess) notifyParent(p *engine.Process, cause error) {
	payload, err := json.Marshal(DispatchFailure{Reason: cause.Error()})
	if err != nil {
		return
	}
	if err := p.SignalParent(SignalDispatchFailed, payload); err != nil {
		logger := p.Logger()
		logger.Warn().Err(err).Msg("failed to notify parent of shipping failure")
	}
}
