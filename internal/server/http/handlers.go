package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/commercekit/fulfillment-service/internal/domain"
	"github.com/commercekit/fulfillment-service/internal/observability"
	"github.com/commercekit/fulfillment-service/internal/process"
)

// Body size and pagination bounds.
const (
	maxRequestBodySize = 1 << 20 // 1 MB limit for request bodies
	defaultEventLimit  = 100
	maxEventLimit      = 1000
	maxOrderIDLength   = 128
	maxLineItems       = 100
)

// startFulfillmentRequest is the JSON request body for starting an
// order fulfillment process.
type startFulfillmentRequest struct {
	Items   []domain.LineItem `json:"items"`
	Address *domain.Address   `json:"address,omitempty"`
}

// updateAddressRequest is the JSON request body for the update-address
// signal.
type updateAddressRequest struct {
	Address domain.Address `json:"address"`
}

// processRunID derives the deterministic run ID for an order's
// fulfillment process. Starting the same order twice lands on the same
// run, which is what makes the start endpoint idempotent.
func processRunID(orderID string) string {
	return "fulfill:" + orderID
}

// startFulfillment handles POST /orders/{orderID}/start.
// It starts the order fulfillment process, or returns the existing run
// when one was already started for this order.
func (s *Server) startFulfillment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req startFulfillmentRequest
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}
	if len(req.Items) > maxLineItems {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("items must have at most %d entries", maxLineItems))
		return
	}

	input := process.OrderInput{
		OrderID: orderID,
		Items:   req.Items,
		Address: req.Address,
	}
	if err := s.validate.Struct(input); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid field: %s", verrs[0].Field()))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid input")
		return
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	runID := processRunID(orderID)

	// An existing run makes the start a no-op.
	if run, err := s.engine.Status(ctx, runID); err == nil {
		writeJSON(w, http.StatusOK, startFulfillmentResponse{
			ProcessID: run.ID,
			OrderID:   run.OrderID,
			Status:    string(run.State),
			StartedAt: run.StartedAt,
		})
		return
	}

	run, err := s.engine.StartProcess(ctx, process.OrderProcessName, runID, orderID, inputJSON)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	logger := observability.WithOrderContext(s.logger, orderID)
	if reqID := observability.RequestIDFromContext(ctx); reqID != "" {
		logger = logger.With().Str("request_id", reqID).Logger()
	}
	logger.Info().Str("run_id", run.ID).Msg("fulfillment started")

	writeJSON(w, http.StatusCreated, startFulfillmentResponse{
		ProcessID: run.ID,
		OrderID:   run.OrderID,
		Status:    string(run.State),
		StartedAt: run.StartedAt,
	})
}

// cancelFulfillment handles POST /orders/{orderID}/signals/cancel.
func (s *Server) cancelFulfillment(w http.ResponseWriter, r *http.Request) {
	s.sendSignal(w, r, process.SignalCancelOrder, nil)
}

// approveReview handles POST /orders/{orderID}/signals/approve.
func (s *Server) approveReview(w http.ResponseWriter, r *http.Request) {
	s.sendSignal(w, r, process.SignalApproveReview, nil)
}

// updateAddress handles POST /orders/{orderID}/signals/update-address.
func (s *Server) updateAddress(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var req updateAddressRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if req.Address == (domain.Address{}) {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	if err := s.validate.Struct(req.Address); err != nil {
		writeError(w, http.StatusBadRequest, "invalid address")
		return
	}

	payload, err := json.Marshal(process.AddressUpdate{Address: req.Address})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.sendSignal(w, r, process.SignalUpdateAddress, payload)
}

// sendSignal routes a signal to the order's fulfillment run.
func (s *Server) sendSignal(w http.ResponseWriter, r *http.Request, name string, payload []byte) {
	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	if err := s.engine.Signal(r.Context(), processRunID(orderID), name, payload); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, signalResponse{OK: true})
}

// fulfillmentStatus handles GET /orders/{orderID}/status.
// It returns the fulfillment run together with the current order row,
// when one exists yet.
func (s *Server) fulfillmentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	run, err := s.engine.Status(ctx, processRunID(orderID))
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var order *domain.Order
	if o, oErr := s.orders.GetByID(ctx, orderID); oErr == nil {
		order = o
	} else if !errors.Is(oErr, domain.ErrNotFound) {
		writeDomainError(w, oErr)
		return
	}

	writeJSON(w, http.StatusOK, runToStatusResponse(run, order))
}

// orderEvents handles GET /orders/{orderID}/events.
// It returns the order's audit trail in insertion order.
func (s *Server) orderEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	orderID, ok := parseOrderID(w, r)
	if !ok {
		return
	}

	afterID, limit, err := parseEventParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.events.ListByOrder(ctx, orderID, afterID, limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := listEventsResponse{
		Events:     make([]eventResponse, len(events)),
		TotalCount: len(events),
	}
	for i, e := range events {
		resp.Events[i] = domainEventToResponse(e)
	}
	if len(events) == limit {
		resp.NextAfter = events[len(events)-1].ID
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeDomainError maps domain and engine errors to HTTP status codes
// and writes a JSON error response. Internal error details are not
// leaked to clients.
func writeDomainError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "resource not found")
	case errors.Is(err, domain.ErrInvalidInput):
		var ve *domain.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
		} else {
			writeError(w, http.StatusBadRequest, "invalid input")
		}
	case errors.Is(err, domain.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "resource already exists")
	case errors.Is(err, domain.ErrCanceled):
		writeError(w, http.StatusConflict, "fulfillment cancelled")
	case errors.Is(err, domain.ErrServiceUnavailable):
		writeError(w, http.StatusServiceUnavailable, "service unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

// parseOrderID extracts and bounds-checks the orderID URL parameter.
// The value is echoed nowhere on failure to avoid reflecting malicious
// input.
func parseOrderID(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		writeError(w, http.StatusBadRequest, "order_id is required")
		return "", false
	}
	if len(orderID) > maxOrderIDLength {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("order_id must be at most %d characters", maxOrderIDLength))
		return "", false
	}
	return orderID, true
}

// parseEventParams extracts after_id and limit from query parameters,
// applying default and maximum bounds to the limit.
func parseEventParams(r *http.Request) (afterID int64, limit int, err error) {
	limit = defaultEventLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, parseErr := strconv.Atoi(limitStr)
		if parseErr != nil || parsed <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = parsed
	}
	if limit > maxEventLimit {
		limit = maxEventLimit
	}

	if afterStr := r.URL.Query().Get("after_id"); afterStr != "" {
		parsed, parseErr := strconv.ParseInt(afterStr, 10, 64)
		if parseErr != nil || parsed < 0 {
			return 0, 0, errors.New("after_id must be a non-negative integer")
		}
		afterID = parsed
	}

	return afterID, limit, nil
}
