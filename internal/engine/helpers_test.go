package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/fulfillment-service/internal/config"
	"github.com/commercekit/fulfillment-service/internal/observability"
)

var (
	testMetricsOnce sync.Once
	testMetrics     *observability.Metrics
)

// metricsForTest returns a shared Metrics instance. promauto registers
// collectors globally, so tests must not create one per engine.
func metricsForTest() *observability.Metrics {
	testMetricsOnce.Do(func() {
		testMetrics = observability.NewMetrics("engine_test")
	})
	return testMetrics
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		MaxAttempts:       3,
		ReceiveTimeout:    time.Second,
		ValidateTimeout:   time.Second,
		ChargeTimeout:     time.Second,
		PrepareTimeout:    time.Second,
		DispatchTimeout:   time.Second,
		ManualReviewDelay: 10 * time.Millisecond,
		SignalBuffer:      16,
		RecoveryTimeout:   time.Second,
	}
}

func newTestEngine(store Store) *Engine {
	return New(store, testEngineConfig(), zerolog.Nop(), metricsForTest())
}

func newTestProcess(t *testing.T, e *Engine, runID string) *Process {
	t.Helper()
	now := time.Now().UTC()
	run := &Run{
		ID:        runID,
		Name:      "test_process",
		OrderID:   "order-1",
		State:     RunStateRunning,
		Errors:    []string{},
		StartedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, e.store.CreateRun(context.Background(), run))
	return e.newProcess(run)
}

// waitForTerminal polls until the run leaves the running state.
func waitForTerminal(t *testing.T, e *Engine, runID string) *Run {
	t.Helper()
	var run *Run
	require.Eventually(t, func() bool {
		var err error
		run, err = e.Status(context.Background(), runID)
		return err == nil && run.State != RunStateRunning
	}, 2*time.Second, 5*time.Millisecond, "run %s did not finish", runID)
	return run
}
