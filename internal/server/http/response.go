package httpserver

import (
	"encoding/json"
	"time"

	"github.com/commercekit/fulfillment-service/internal/domain"
	"github.com/commercekit/fulfillment-service/internal/engine"
)

// Response types for JSON serialization.

type startFulfillmentResponse struct {
	ProcessID string    `json:"process_id"`
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

type signalResponse struct {
	OK bool `json:"ok"`
}

type statusResponse struct {
	ProcessID   string                `json:"process_id"`
	OrderID     string                `json:"order_id"`
	Status      string                `json:"status"`
	Step        string                `json:"step,omitempty"`
	Canceled    bool                  `json:"canceled"`
	Errors      []string              `json:"errors,omitempty"`
	Result      *domain.ProcessResult `json:"result,omitempty"`
	Order       *orderResponse        `json:"order,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
	Duration    string                `json:"duration,omitempty"`
}

type orderResponse struct {
	OrderID   string            `json:"order_id"`
	State     string            `json:"state"`
	Items     []domain.LineItem `json:"items"`
	Address   *domain.Address   `json:"address,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type eventResponse struct {
	ID        int64           `json:"id"`
	OrderID   string          `json:"order_id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type listEventsResponse struct {
	Events     []eventResponse `json:"events"`
	NextAfter  int64           `json:"next_after,omitempty"`
	TotalCount int             `json:"total_count"`
}

// Converter functions

func runToStatusResponse(run *engine.Run, order *domain.Order) statusResponse {
	resp := statusResponse{
		ProcessID:   run.ID,
		OrderID:     run.OrderID,
		Status:      string(run.State),
		Step:        run.Step,
		Canceled:    run.Canceled,
		Errors:      run.Errors,
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}
	if len(run.Output) > 0 {
		var result domain.ProcessResult
		if err := json.Unmarshal(run.Output, &result); err == nil && result.Status != "" {
			resp.Result = &result
		}
	}
	if order != nil {
		resp.Order = domainOrderToResponse(order)
	}
	if run.CompletedAt != nil {
		if d := run.CompletedAt.Sub(run.StartedAt); d > 0 {
			resp.Duration = d.String()
		}
	}
	return resp
}

func domainOrderToResponse(o *domain.Order) *orderResponse {
	return &orderResponse{
		OrderID:   o.ID,
		State:     string(o.State),
		Items:     o.Items,
		Address:   o.Address,
		CreatedAt: o.CreatedAt,
		UpdatedAt: o.UpdatedAt,
	}
}

func domainEventToResponse(e *domain.Event) eventResponse {
	return eventResponse{
		ID:        e.ID,
		OrderID:   e.OrderID,
		Type:      string(e.Type),
		Payload:   e.Payload,
		CreatedAt: e.CreatedAt,
	}
}
