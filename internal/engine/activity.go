package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/commercekit/fulfillment-service/internal/domain"
	"github.com/commercekit/fulfillment-service/internal/observability"
)

// ActivityOptions controls how an activity executes: its checkpoint
// name, the per-attempt timeout, and how many attempts are made before
// the activity fails.
type ActivityOptions struct {
	Name        string
	Timeout     time.Duration
	MaxAttempts int
}

// ActivityError is returned when every attempt of an activity failed.
// It carries the last attempt's error as its cause.
type ActivityError struct {
	Activity string
	Attempts int
	Cause    error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %s failed after %d attempt(s): %v", e.Activity, e.Attempts, e.Cause)
}

func (e *ActivityError) Unwrap() error { return e.Cause }

// ExecuteActivity runs fn with retries and a per-attempt timeout,
// checkpointing the result. On replay the checkpointed result is
// returned without running fn again.
//
// Retries are immediate. An error wrapped with domain.Permanent stops
// the retry loop on the spot, as does cancellation of the run context.
func ExecuteActivity[T any](p *Process, opts ActivityOptions, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}

	p.DrainSignals()
	data, err := p.store.GetCheckpoint(p.ctx, p.run.ID, opts.Name)
	if err != nil {
		return zero, fmt.Errorf("checkpoint lookup for %s: %w", opts.Name, err)
	}
	if data != nil {
		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("decode checkpoint for %s: %w", opts.Name, err)
		}
		p.metrics.RecordCheckpointReplayed()
		p.logger.Debug().Str("activity", opts.Name).Msg("replayed from checkpoint")
		return result, nil
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		logger := observability.WithActivityContext(p.logger, opts.Name, attempt)
		if orderID := observability.OrderIDFromContext(p.ctx); orderID != "" {
			logger = logger.With().Str("order_id", orderID).Logger()
		}

		attemptCtx := p.ctx
		cancel := context.CancelFunc(func() {})
		if opts.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(p.ctx, opts.Timeout)
		}
		start := time.Now()
		result, err := fn(attemptCtx)
		cancel()
		duration := time.Since(start).Seconds()

		if err == nil {
			p.metrics.RecordActivityAttempt(opts.Name, "success", duration)
			encoded, mErr := json.Marshal(result)
			if mErr != nil {
				return zero, fmt.Errorf("encode checkpoint for %s: %w", opts.Name, mErr)
			}
			if sErr := p.store.SaveCheckpoint(p.ctx, p.run.ID, opts.Name, encoded); sErr != nil {
				return zero, fmt.Errorf("checkpoint %s: %w", opts.Name, sErr)
			}
			return result, nil
		}

		lastErr = err
		p.metrics.RecordActivityAttempt(opts.Name, "failure", duration)
		logger.Warn().Err(err).Msg("activity attempt failed")

		if domain.IsPermanent(err) {
			return zero, &ActivityError{Activity: opts.Name, Attempts: attempt, Cause: err}
		}
		if p.ctx.Err() != nil && errors.Is(err, p.ctx.Err()) {
			return zero, &ActivityError{Activity: opts.Name, Attempts: attempt, Cause: err}
		}
	}
	return zero, &ActivityError{Activity: opts.Name, Attempts: opts.MaxAttempts, Cause: lastErr}
}
