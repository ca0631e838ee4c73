package gateway

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/commercekit/fulfillment-service/internal/config"
	"github.com/commercekit/fulfillment-service/internal/domain"
)

// Flakiness injects failures and stalls into simulated gateways. Each
// roll either fails with a gateway error, stalls until the stall
// duration or deadline passes, or lets the call through. Rates come
// from configuration; a stall is meant to outlive the activity timeout
// so the attempt dies on its deadline rather than on an error.
type Flakiness struct {
	failureRate   float64
	stallRate     float64
	stallDuration time.Duration

	mu  sync.Mutex
	rng *rand.Rand
}

// NewFlakiness builds a Flakiness from configuration with its own
// random source.
func NewFlakiness(cfg config.GatewaysConfig) *Flakiness {
	return NewFlakinessWithSource(cfg, rand.New(rand.NewSource(time.Now().UnixNano())))
}

// NewFlakinessWithSource builds a Flakiness with a caller-supplied
// random source. Tests pass a seeded source for deterministic rolls.
func NewFlakinessWithSource(cfg config.GatewaysConfig, rng *rand.Rand) *Flakiness {
	return &Flakiness{
		failureRate:   cfg.FailureRate,
		stallRate:     cfg.StallRate,
		stallDuration: cfg.StallDuration,
		rng:           rng,
	}
}

// roll decides the fate of one simulated call. On a stall it blocks
// until the stall duration elapses or ctx is done, returning the
// context error so the caller sees an ordinary timeout.
func (f *Flakiness) roll(ctx context.Context, gatewayName string) error {
	f.mu.Lock()
	outcome := f.rng.Float64()
	f.mu.Unlock()

	switch {
	case outcome < f.failureRate:
		return domain.NewGatewayError(gatewayName, errors.New("simulated outage"))
	case outcome < f.failureRate+f.stallRate:
		timer := time.NewTimer(f.stallDuration)
		defer timer.Stop()
		select {
		case <-timer.C:
			return domain.NewGatewayError(gatewayName, errors.New("simulated stall elapsed"))
		case <-ctx.Done():
			return ctx.Err()
		}
	default:
		return nil
	}
}
