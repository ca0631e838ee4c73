// Package process implements the order fulfillment processes that run
// on the durable engine: the top-level order process with its
// RECEIVE, VALIDATE, MANUAL_REVIEW, PAY, and SHIP steps, and the
// shipping child process it delegates the final leg to.
package process

import (
	"github.com/commercekit/fulfillment-service/internal/domain"
)

// Process names as registered with the engine.
const (
	OrderProcessName    = "order_fulfillment"
	ShippingProcessName = "shipping"
)

// Signal names accepted by the order process. dispatch_failed is sent
// by the shipping child, the rest arrive from the control surface.
const (
	SignalCancelOrder    = "cancel_order"
	SignalUpdateAddress  = "update_address"
	SignalApproveReview  = "approve_review"
	SignalDispatchFailed = "dispatch_failed"
)

// Step names recorded on the run as fulfillment progresses. Shipping
// child runs use the PREPARE and DISPATCH steps.
const (
	StepReceive      = "RECEIVE"
	StepValidate     = "VALIDATE"
	StepManualReview = "MANUAL_REVIEW"
	StepPay          = "PAY"
	StepShip         = "SHIP"

	StepPrepare  = "PREPARE"
	StepDispatch = "DISPATCH"
)

// OrderInput starts an order fulfillment process.
type OrderInput struct {
	OrderID string            `json:"order_id" validate:"required"`
	Items   []domain.LineItem `json:"items"`
	Address *domain.Address   `json:"address,omitempty"`
}

// ShippingInput starts a shipping child process.
type ShippingInput struct {
	OrderID string            `json:"order_id"`
	Items   []domain.LineItem `json:"items"`
	Address *domain.Address   `json:"address,omitempty"`
}

// ShippingResult is the outcome of a successful shipping process.
type ShippingResult struct {
	Prepared   string `json:"prepared"`
	Dispatched string `json:"dispatched"`
}

// AddressUpdate is the payload of an update_address signal.
type AddressUpdate struct {
	Address domain.Address `json:"address"`
}

// DispatchFailure is the payload of a dispatch_failed signal.
type DispatchFailure struct {
	Reason string `json:"reason"`
}
