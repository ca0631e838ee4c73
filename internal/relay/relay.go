// Package relay streams the audit event log to Kafka. It polls the
// events table, publishes everything past its cursor, and only then
// advances the cursor, giving at-least-once delivery in log order. A
// Postgres advisory lock keeps publishing single-writer when several
// service instances run against one database.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/commercekit/fulfillment-service/internal/config"
	"github.com/commercekit/fulfillment-service/internal/domain"
	"github.com/commercekit/fulfillment-service/internal/observability"
	"github.com/commercekit/fulfillment-service/internal/repository"
)

// relayLockKey is the advisory lock key electing the publishing
// instance.
const relayLockKey int64 = 0x52454C41

// Publisher sends a batch of audit events to the bus.
type Publisher interface {
	Publish(ctx context.Context, events []*domain.Event) error
	Close() error
}

// advisoryLocker is the slice of database.DB the relay needs for
// single-writer election.
type advisoryLocker interface {
	AcquireAdvisoryLock(ctx context.Context, key int64) (bool, error)
	ReleaseAdvisoryLock(ctx context.Context, key int64) error
}

// Relay polls the event log and publishes new events past the
// consumer's cursor.
type Relay struct {
	locker    advisoryLocker
	events    repository.EventRepository
	offsets   repository.OffsetRepository
	publisher Publisher
	cfg       config.RelayConfig
	logger    zerolog.Logger
	metrics   *observability.Metrics
}

// New creates a relay.
func New(
	locker advisoryLocker,
	events repository.EventRepository,
	offsets repository.OffsetRepository,
	publisher Publisher,
	cfg config.RelayConfig,
	logger zerolog.Logger,
	metrics *observability.Metrics,
) *Relay {
	return &Relay{
		locker:    locker,
		events:    events,
		offsets:   offsets,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("component", "relay").Logger(),
		metrics:   metrics,
	}
}

// Run polls until ctx is cancelled. Poll errors are logged and
// counted, not fatal; the next tick retries from the stored cursor.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.logger.Info().Str("consumer", r.cfg.Consumer).Dur("poll_interval", r.cfg.PollInterval).Msg("relay started")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info().Msg("relay stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.poll(ctx); err != nil && ctx.Err() == nil {
				r.metrics.RecordRelayError()
				r.logger.Error().Err(err).Msg("relay poll failed")
			}
		}
	}
}

// poll publishes every pending event, batch by batch, while holding
// the advisory lock.
func (r *Relay) poll(ctx context.Context) error {
	acquired, err := r.locker.AcquireAdvisoryLock(ctx, relayLockKey)
	if err != nil {
		return fmt.Errorf("acquire relay lock: %w", err)
	}
	if !acquired {
		// Another instance is publishing.
		return nil
	}
	defer func() {
		if err := r.locker.ReleaseAdvisoryLock(context.WithoutCancel(ctx), relayLockKey); err != nil {
			r.logger.Warn().Err(err).Msg("failed to release relay lock")
		}
	}()

	for {
		published, err := r.publishBatch(ctx)
		if err != nil {
			return err
		}
		if published < r.cfg.BatchSize {
			return nil
		}
	}
}

// publishBatch publishes one batch past the cursor and advances it.
// The cursor moves only after the publish succeeds; a crash in between
// re-publishes the batch on the next poll.
func (r *Relay) publishBatch(ctx context.Context) (int, error) {
	offset, err := r.offsets.GetOffset(ctx, r.cfg.Consumer)
	if err != nil {
		return 0, err
	}

	events, err := r.events.ListAfter(ctx, offset, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := r.publisher.Publish(ctx, events); err != nil {
		return 0, fmt.Errorf("publish events: %w", err)
	}
	last := events[len(events)-1].ID
	if err := r.offsets.SetOffset(ctx, r.cfg.Consumer, last); err != nil {
		return 0, fmt.Errorf("advance relay cursor: %w", err)
	}

	r.metrics.RecordRelayPublished(len(events))
	r.logger.Debug().Int("events", len(events)).Int64("cursor", last).Msg("published audit events")
	return len(events), nil
}
