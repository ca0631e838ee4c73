// Package observability provides logging and metrics support for the
// fulfillment service.
//
// # Overview
//
// The observability package provides:
//
//   - Structured logging with zerolog
//   - Prometheus metrics for processes, activities, signals, and events
//   - Context helpers for propagating observability data
//
// # Logging
//
// Create a logger from configuration:
//
//	cfg := observability.LoggingConfig{
//	    Level:     "info",
//	    Format:    "json",
//	    Output:    "stdout",
//	    AddSource: true,
//	}
//
//	logger := observability.NewLogger(cfg)
//	logger.Info().Str("order_id", orderID).Msg("process started")
//
// Add process context to logger:
//
//	logger = observability.WithProcessContext(logger, processName, runID)
//
// # Metrics
//
// Initialize metrics:
//
//	metrics := observability.NewMetrics("fulfillment")
//
// Record metrics:
//
//	metrics.RecordProcessStarted("order_fulfillment")
//	metrics.RecordActivityAttempt("charge_payment", "success", 0.42)
//	metrics.RecordSignalReceived("cancel_order")
//
// # Context Helpers
//
// Store and retrieve request context:
//
//	ctx = observability.WithRequestID(ctx, requestID)
//	ctx = observability.WithOrderID(ctx, orderID)
//
//	reqID := observability.RequestIDFromContext(ctx)
//	orderID := observability.OrderIDFromContext(ctx)
//
// # Standard Fields
//
// Common fields used across the service:
//
//   - request_id: HTTP request identifier
//   - order_id: Order identifier
//   - run_id: Process run identifier
//   - process: Process name (order_fulfillment, shipping)
//   - activity: Activity name
//   - signal: Signal name
//
// # Thread Safety
//
// All components are safe for concurrent use from multiple goroutines.
package observability
