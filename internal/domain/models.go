// Package domain contains the core entities of the order fulfillment
// service: orders, payments, audit events, and the structured results
// produced by fulfillment processes.
package domain

import (
	"time"
)

// OrderState is the lifecycle state of an order.
type OrderState string

// Order lifecycle states. Transitions are monotonic along
// RECEIVED -> VALIDATED -> PAID -> SHIPPED; a cancelled fulfillment
// leaves the order at its last completed state.
const (
	OrderStateReceived  OrderState = "RECEIVED"
	OrderStateValidated OrderState = "VALIDATED"
	OrderStatePaid      OrderState = "PAID"
	OrderStateShipped   OrderState = "SHIPPED"
)

// orderStateRank orders the states for monotonicity checks.
var orderStateRank = map[OrderState]int{
	OrderStateReceived:  0,
	OrderStateValidated: 1,
	OrderStatePaid:      2,
	OrderStateShipped:   3,
}

// IsValidOrderState reports whether s is a known order state.
func IsValidOrderState(s OrderState) bool {
	_, ok := orderStateRank[s]
	return ok
}

// Advances reports whether moving from the receiver to next moves the
// order forward. Equal states do not advance.
func (s OrderState) Advances(next OrderState) bool {
	from, okFrom := orderStateRank[s]
	to, okTo := orderStateRank[next]
	return okFrom && okTo && to > from
}

// LineItem is a single order line.
type LineItem struct {
	SKU string `json:"sku"`
	Qty int    `json:"qty"`
}

// Address is a structured shipping address. All fields are optional;
// callers may supply a partial address and amend it later via the
// update-address signal.
type Address struct {
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city,omitempty"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Country    string `json:"country,omitempty" validate:"omitempty,len=2"`
}

// Order is the materialized order row. It is owned by the fulfillment
// process and mutated only as a side effect of completed steps.
type Order struct {
	ID        string     `json:"order_id"`
	State     OrderState `json:"state"`
	Items     []LineItem `json:"items"`
	Address   *Address   `json:"address,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TotalQty returns the sum of line item quantities. The simulated
// payment gateway charges this as the order amount.
func (o *Order) TotalQty() int {
	total := 0
	for _, item := range o.Items {
		total += item.Qty
	}
	return total
}

// PaymentStatus is the status of a payment record.
type PaymentStatus string

// Payment statuses.
const (
	PaymentStatusCharged  PaymentStatus = "charged"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Payment is a payment row keyed by the caller-supplied payment ID,
// which doubles as the idempotency key: at most one payment record
// exists per payment ID, and a repeat charge with the same ID returns
// the stored result without re-invoking the gateway.
type Payment struct {
	PaymentID string        `json:"payment_id"`
	OrderID   string        `json:"order_id"`
	Status    PaymentStatus `json:"status"`
	Amount    int           `json:"amount"`
	CreatedAt time.Time     `json:"created_at"`
}

// ChargeResult is the outcome of a ChargePayment activity. Idempotent
// is true when the result was served from a previously stored payment
// rather than a fresh gateway charge.
type ChargeResult struct {
	Status     PaymentStatus `json:"status"`
	Amount     int           `json:"amount"`
	Idempotent bool          `json:"idempotent,omitempty"`
}

// ProcessStatus is the terminal status of a fulfillment process.
type ProcessStatus string

// Terminal process statuses.
const (
	ProcessStatusCompleted ProcessStatus = "completed"
	ProcessStatusFailed    ProcessStatus = "failed"
)

// ProcessResult is the structured outcome every fulfillment process
// produces, success or failure. The process never surfaces a raw
// panic or error to its caller; failures carry the step name and the
// accumulated error messages instead.
type ProcessResult struct {
	Status  ProcessStatus `json:"status"`
	OrderID string        `json:"order_id"`
	Step    string        `json:"step"`
	Ship    string        `json:"ship,omitempty"`
	Errors  []string      `json:"errors"`
}
