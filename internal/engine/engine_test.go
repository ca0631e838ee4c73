package engine

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/fulfillment-service/internal/domain"
)

func TestStartProcess_CompletesAndPersists(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)
	e.Register("greet", func(p *Process, input []byte) ([]byte, error) {
		return []byte(`{"greeting":"hello"}`), nil
	})

	run, err := e.StartProcess(context.Background(), "greet", "run-1", "order-1", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, run.State)

	final := waitForTerminal(t, e, "run-1")
	assert.Equal(t, RunStateCompleted, final.State)
	assert.JSONEq(t, `{"greeting":"hello"}`, string(final.Output))
	require.NotNil(t, final.CompletedAt)

	stored, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStateCompleted, stored.State)
}

func TestStartProcess_IdempotentWhileRunning(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)

	var invocations atomic.Int32
	release := make(chan struct{})
	e.Register("block", func(p *Process, input []byte) ([]byte, error) {
		invocations.Add(1)
		<-release
		return nil, nil
	})

	_, err := e.StartProcess(context.Background(), "block", "run-1", "order-1", nil)
	require.NoError(t, err)

	again, err := e.StartProcess(context.Background(), "block", "run-1", "order-1", nil)
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, again.State)

	close(release)
	waitForTerminal(t, e, "run-1")
	assert.Equal(t, int32(1), invocations.Load())
}

func TestStartProcess_IdempotentAfterCompletion(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)

	var invocations atomic.Int32
	e.Register("once", func(p *Process, input []byte) ([]byte, error) {
		invocations.Add(1)
		return []byte(`"done"`), nil
	})

	_, err := e.StartProcess(context.Background(), "once", "run-1", "order-1", nil)
	require.NoError(t, err)
	waitForTerminal(t, e, "run-1")

	again, err := e.StartProcess(context.Background(), "once", "run-1", "order-1", nil)
	require.NoError(t, err)
	assert.Equal(t, RunStateCompleted, again.State)
	assert.Equal(t, int32(1), invocations.Load())
}

func TestStartProcess_UnknownProcess(t *testing.T) {
	e := newTestEngine(NewMemStore())
	_, err := e.StartProcess(context.Background(), "missing", "run-1", "order-1", nil)
	assert.Error(t, err)
}

func TestStartProcess_HandlerErrorFailsRun(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)
	e.Register("broken", func(p *Process, input []byte) ([]byte, error) {
		return []byte(`{"status":"failed"}`), assert.AnError
	})

	_, err := e.StartProcess(context.Background(), "broken", "run-1", "order-1", nil)
	require.NoError(t, err)

	final := waitForTerminal(t, e, "run-1")
	assert.Equal(t, RunStateFailed, final.State)
	assert.Equal(t, assert.AnError.Error(), final.Error)
	assert.JSONEq(t, `{"status":"failed"}`, string(final.Output))
}

func TestStartProcess_PanicFailsRun(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)
	e.Register("panics", func(p *Process, input []byte) ([]byte, error) {
		panic("boom")
	})

	_, err := e.StartProcess(context.Background(), "panics", "run-1", "order-1", nil)
	require.NoError(t, err)

	final := waitForTerminal(t, e, "run-1")
	assert.Equal(t, RunStateFailed, final.State)
	assert.Contains(t, final.Error, "boom")
}

// slowCreateStore stalls CreateRun until its gate closes.
type slowCreateStore struct {
	Store
	gate chan struct{}
}

func (s *slowCreateStore) CreateRun(ctx context.Context, run *Run) error {
	<-s.gate
	return s.Store.CreateRun(ctx, run)
}

func TestStartProcess_SlowInsertDoesNotStallStatus(t *testing.T) {
	mem := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, mem.CreateRun(ctx, &Run{
		ID: "run-old", Name: "greet", OrderID: "order-9",
		State: RunStateCompleted, StartedAt: now, UpdatedAt: now,
	}))

	store := &slowCreateStore{Store: mem, gate: make(chan struct{})}
	e := newTestEngine(store)
	e.Register("greet", func(p *Process, input []byte) ([]byte, error) {
		return []byte(`"hello"`), nil
	})

	started := make(chan struct{})
	go func() {
		defer close(started)
		_, err := e.StartProcess(ctx, "greet", "run-new", "order-1", nil)
		assert.NoError(t, err)
	}()

	// Queries on unrelated runs must answer while the insert is stuck.
	require.Eventually(t, func() bool {
		run, err := e.Status(ctx, "run-old")
		return err == nil && run.State == RunStateCompleted
	}, 2*time.Second, 5*time.Millisecond)

	close(store.gate)
	<-started
	final := waitForTerminal(t, e, "run-new")
	assert.Equal(t, RunStateCompleted, final.State)
}

func TestSignal_ObservedAtCheckpoint(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)

	started := make(chan struct{})
	proceed := make(chan struct{})
	e.Register("cancellable", func(p *Process, input []byte) ([]byte, error) {
		p.OnSignal("cancel_order", func([]byte) { p.Cancel() })
		close(started)
		<-proceed
		p.DrainSignals()
		if p.Canceled() {
			return []byte(`"canceled"`), domain.ErrCanceled
		}
		return []byte(`"ran"`), nil
	})

	_, err := e.StartProcess(context.Background(), "cancellable", "run-1", "order-1", nil)
	require.NoError(t, err)
	<-started

	require.NoError(t, e.Signal(context.Background(), "run-1", "cancel_order", nil))
	close(proceed)

	final := waitForTerminal(t, e, "run-1")
	assert.Equal(t, RunStateFailed, final.State)
	assert.Equal(t, "Canceled", final.Error)
	assert.True(t, final.Canceled)

	signals, err := store.ListSignals(context.Background(), "run-1")
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, "cancel_order", signals[0].Name)
}

func TestSignal_UnknownRun(t *testing.T) {
	e := newTestEngine(NewMemStore())
	err := e.Signal(context.Background(), "nope", "cancel_order", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSignal_FinishedRunRecordedOnly(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)
	e.Register("quick", func(p *Process, input []byte) ([]byte, error) { return nil, nil })

	_, err := e.StartProcess(context.Background(), "quick", "run-1", "order-1", nil)
	require.NoError(t, err)
	waitForTerminal(t, e, "run-1")

	require.NoError(t, e.Signal(context.Background(), "run-1", "approve_review", nil))
	signals, err := store.ListSignals(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Len(t, signals, 1)
}

func TestStatus_FallsBackToStore(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)

	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(context.Background(), &Run{
		ID: "run-old", Name: "greet", OrderID: "order-9",
		State: RunStateCompleted, StartedAt: now, UpdatedAt: now,
	}))

	run, err := e.Status(context.Background(), "run-old")
	require.NoError(t, err)
	assert.Equal(t, RunStateCompleted, run.State)
	assert.Equal(t, "order-9", run.OrderID)
}

func TestResumeAll_SkipsCheckpointedSteps(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(ctx, &Run{
		ID: "run-1", Name: "two_steps", OrderID: "order-1",
		State: RunStateRunning, Errors: []string{}, StartedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.SaveCheckpoint(ctx, "run-1", "step_one", []byte(`"first"`)))

	e := newTestEngine(store)
	var stepOne, stepTwo atomic.Int32
	e.Register("two_steps", func(p *Process, input []byte) ([]byte, error) {
		first, err := ExecuteActivity(p, ActivityOptions{Name: "step_one", MaxAttempts: 1}, func(context.Context) (string, error) {
			stepOne.Add(1)
			return "first", nil
		})
		if err != nil {
			return nil, err
		}
		second, err := ExecuteActivity(p, ActivityOptions{Name: "step_two", MaxAttempts: 1}, func(context.Context) (string, error) {
			stepTwo.Add(1)
			return "second", nil
		})
		if err != nil {
			return nil, err
		}
		return json.Marshal([]string{first, second})
	})

	resumed, err := e.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)

	final := waitForTerminal(t, e, "run-1")
	assert.Equal(t, RunStateCompleted, final.State)
	assert.JSONEq(t, `["first","second"]`, string(final.Output))
	assert.Equal(t, int32(0), stepOne.Load(), "checkpointed step must not re-execute")
	assert.Equal(t, int32(1), stepTwo.Load())
}

func TestResumeAll_RedeliversSignals(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(ctx, &Run{
		ID: "run-1", Name: "cancellable", OrderID: "order-1",
		State: RunStateRunning, Errors: []string{}, StartedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.AppendSignal(ctx, "run-1", "cancel_order", nil))

	e := newTestEngine(store)
	e.Register("cancellable", func(p *Process, input []byte) ([]byte, error) {
		p.OnSignal("cancel_order", func([]byte) { p.Cancel() })
		p.DrainSignals()
		if p.Canceled() {
			return nil, domain.ErrCanceled
		}
		return []byte(`"ran"`), nil
	})

	_, err := e.ResumeAll(ctx)
	require.NoError(t, err)

	final := waitForTerminal(t, e, "run-1")
	assert.Equal(t, RunStateFailed, final.State)
	assert.Equal(t, "Canceled", final.Error)
}

func TestResumeAll_IgnoresChildAndFinishedRuns(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(ctx, &Run{
		ID: "child-1", Name: "shipping", OrderID: "order-1", ParentID: "run-1",
		State: RunStateRunning, StartedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.CreateRun(ctx, &Run{
		ID: "run-done", Name: "greet", OrderID: "order-2",
		State: RunStateCompleted, StartedAt: now, UpdatedAt: now,
	}))

	e := newTestEngine(store)
	resumed, err := e.ResumeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, resumed)
}

func TestRunChild_PropagatesFailure(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)
	e.Register("child", func(p *Process, input []byte) ([]byte, error) {
		return nil, assert.AnError
	})
	e.Register("parent", func(p *Process, input []byte) ([]byte, error) {
		_, err := RunChild[struct{}, struct{}](p, "child", "run-1:child", struct{}{})
		if err != nil {
			p.AppendError(err.Error())
			return []byte(`"child failed"`), nil
		}
		return []byte(`"ok"`), nil
	})

	_, err := e.StartProcess(context.Background(), "parent", "run-1", "order-1", nil)
	require.NoError(t, err)

	final := waitForTerminal(t, e, "run-1")
	assert.Equal(t, RunStateCompleted, final.State)
	assert.Contains(t, final.Errors, assert.AnError.Error())

	child, err := store.GetRun(context.Background(), "run-1:child")
	require.NoError(t, err)
	assert.Equal(t, RunStateFailed, child.State)
	assert.Equal(t, "run-1", child.ParentID)
	assert.Equal(t, "order-1", child.OrderID)
}

func TestRunChild_ReplaysCheckpointedOutcome(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)

	var childRuns atomic.Int32
	e.Register("child", func(p *Process, input []byte) ([]byte, error) {
		childRuns.Add(1)
		return []byte(`"fresh"`), nil
	})
	e.Register("parent", func(p *Process, input []byte) ([]byte, error) {
		out, err := RunChild[struct{}, string](p, "child", "run-1:child", struct{}{})
		if err != nil {
			return nil, err
		}
		return json.Marshal(out)
	})

	checkpoint, err := json.Marshal(childResult{Output: []byte(`"replayed"`)})
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CreateRun(ctx, &Run{
		ID: "run-1", Name: "parent", OrderID: "order-1",
		State: RunStateRunning, Errors: []string{}, StartedAt: now, UpdatedAt: now,
	}))
	require.NoError(t, store.SaveCheckpoint(ctx, "run-1", "child:run-1:child", checkpoint))

	_, err = e.ResumeAll(ctx)
	require.NoError(t, err)

	final := waitForTerminal(t, e, "run-1")
	assert.Equal(t, RunStateCompleted, final.State)
	assert.JSONEq(t, `"replayed"`, string(final.Output))
	assert.Equal(t, int32(0), childRuns.Load())
}

func TestShutdown_WaitsForRuns(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)
	release := make(chan struct{})
	e.Register("slow", func(p *Process, input []byte) ([]byte, error) {
		<-release
		return nil, nil
	})

	_, err := e.StartProcess(context.Background(), "slow", "run-1", "order-1", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.Shutdown(shutdownCtx))

	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStateCompleted, run.State)
}

func TestShutdown_AbortedRunStaysRunning(t *testing.T) {
	store := NewMemStore()
	e := newTestEngine(store)
	e.Register("hang", func(p *Process, input []byte) ([]byte, error) {
		<-p.Context().Done()
		return nil, p.Context().Err()
	})

	_, err := e.StartProcess(context.Background(), "hang", "run-1", "order-1", nil)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, e.Shutdown(shutdownCtx), context.DeadlineExceeded)

	// The engine context is canceled now, so the run unblocks; wait for
	// it to wind down, then check no terminal state was persisted.
	require.NoError(t, e.Shutdown(context.Background()))
	run, err := store.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, RunStateRunning, run.State)
	assert.Nil(t, run.CompletedAt)

	// A fresh engine picks the aborted run up.
	e2 := newTestEngine(store)
	e2.Register("hang", func(p *Process, input []byte) ([]byte, error) {
		return []byte(`"recovered"`), nil
	})
	resumed, err := e2.ResumeAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resumed)
	final := waitForTerminal(t, e2, "run-1")
	assert.Equal(t, RunStateCompleted, final.State)
	assert.JSONEq(t, `"recovered"`, string(final.Output))
}
