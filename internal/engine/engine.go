// Package engine implements a durable process engine. Processes are
// handler functions that run against a write-ahead Store: every step
// result, sleep, and child run is checkpointed before the process
// moves on, so a crashed run can be resumed and replayed without
// repeating work that already happened.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/commercekit/fulfillment-service/internal/config"
	"github.com/commercekit/fulfillment-service/internal/domain"
	"github.com/commercekit/fulfillment-service/internal/observability"
)

// HandlerFunc is the raw form of a process handler. Input and output
// are JSON; RegisterProcess wraps typed handlers into this form.
// A handler may return both an output and an error: the output is
// persisted either way, and the error marks the run failed.
type HandlerFunc func(p *Process, input []byte) ([]byte, error)

// Engine supervises process runs: it starts them, routes signals to
// live instances, answers status queries, and resumes interrupted runs
// after a restart.
type Engine struct {
	store   Store
	cfg     config.EngineConfig
	logger  zerolog.Logger
	metrics *observability.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	handlers  map[string]HandlerFunc
	instances map[string]*Process
	wg        sync.WaitGroup
}

// New creates an engine on top of the given store.
func New(store Store, cfg config.EngineConfig, logger zerolog.Logger, metrics *observability.Metrics) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:     store,
		cfg:       cfg,
		logger:    logger.With().Str("component", "engine").Logger(),
		metrics:   metrics,
		baseCtx:   ctx,
		cancel:    cancel,
		handlers:  make(map[string]HandlerFunc),
		instances: make(map[string]*Process),
	}
}

// Config returns the engine configuration, so process handlers can use
// the configured timeouts and attempt counts.
func (e *Engine) Config() config.EngineConfig { return e.cfg }

// Register adds a raw handler under the given process name.
func (e *Engine) Register(name string, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[name] = fn
}

// RegisterProcess registers a typed handler: input is decoded from
// JSON before the handler runs and output is encoded after. The
// handler's error, if any, is returned alongside the encoded output.
func RegisterProcess[In, Out any](e *Engine, name string, fn func(p *Process, input In) (Out, error)) {
	e.Register(name, func(p *Process, raw []byte) ([]byte, error) {
		var input In
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &input); err != nil {
				return nil, fmt.Errorf("decode input for %s: %w", name, err)
			}
		}
		out, err := fn(p, input)
		encoded, mErr := json.Marshal(out)
		if mErr != nil {
			if err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("encode output for %s: %w", name, mErr)
		}
		return encoded, err
	})
}

// StartProcess starts a run of the named process. Starting is
// idempotent on the run ID: if the run already exists, live or in the
// store, its current state is returned and no second execution begins.
// Execution happens on its own goroutine; the returned run reflects
// the state at the moment of the call.
func (e *Engine) StartProcess(ctx context.Context, name, runID, orderID string, input []byte) (*Run, error) {
	e.mu.Lock()
	inst, live := e.instances[runID]
	handler, registered := e.handlers[name]
	e.mu.Unlock()
	if live {
		return inst.Snapshot(), nil
	}
	if !registered {
		return nil, fmt.Errorf("no process registered under %q", name)
	}

	now := time.Now().UTC()
	run := &Run{
		ID:        runID,
		Name:      name,
		OrderID:   orderID,
		State:     RunStateRunning,
		Input:     input,
		Errors:    []string{},
		StartedAt: now,
		UpdatedAt: now,
	}
	// The store insert runs outside the mutex so a slow round-trip does
	// not stall Signal and Status for unrelated runs. The run ID's
	// uniqueness constraint arbitrates concurrent starts.
	if err := e.store.CreateRun(ctx, run); err != nil {
		if errors.Is(err, domain.ErrAlreadyExists) {
			e.mu.Lock()
			inst, live := e.instances[runID]
			e.mu.Unlock()
			if live {
				return inst.Snapshot(), nil
			}
			return e.store.GetRun(ctx, runID)
		}
		return nil, fmt.Errorf("create run: %w", err)
	}

	inst = e.newProcess(run)
	e.mu.Lock()
	e.instances[runID] = inst
	e.mu.Unlock()
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(inst, handler)
	}()

	e.logger.Info().Str("process", name).Str("run_id", runID).Str("order_id", orderID).Msg("process started")
	return run.Clone(), nil
}

// Signal records a signal for a run and delivers it to the live
// instance if one exists. Signals to finished runs are recorded but
// have no further effect.
func (e *Engine) Signal(ctx context.Context, runID, name string, payload []byte) error {
	if _, err := e.store.GetRun(ctx, runID); err != nil {
		return err
	}
	if err := e.store.AppendSignal(ctx, runID, name, payload); err != nil {
		return fmt.Errorf("append signal: %w", err)
	}
	e.metrics.RecordSignalReceived(name)
	logger := observability.WithSignalContext(e.logger, runID, name)
	logger.Debug().Msg("signal recorded")

	e.mu.Lock()
	inst, ok := e.instances[runID]
	e.mu.Unlock()
	if ok {
		inst.deliver(Signal{Name: name, Payload: payload})
	}
	return nil
}

// Status returns the current state of a run, preferring the live
// instance over the store.
func (e *Engine) Status(ctx context.Context, runID string) (*Run, error) {
	e.mu.Lock()
	inst, ok := e.instances[runID]
	e.mu.Unlock()
	if ok {
		return inst.Snapshot(), nil
	}
	return e.store.GetRun(ctx, runID)
}

// ResumeAll restarts every run the store reports as running. Handlers
// re-execute from the beginning and skip over checkpointed work, and
// persisted signals are re-delivered to the mailbox first so decisions
// made before the crash are made again. It returns the number of runs
// resumed.
func (e *Engine) ResumeAll(ctx context.Context) (int, error) {
	runs, err := e.store.ListRunsByState(ctx, RunStateRunning)
	if err != nil {
		return 0, fmt.Errorf("list interrupted runs: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	resumed := 0
	for _, run := range runs {
		if run.ParentID != "" {
			// Child runs are re-executed by their parent.
			continue
		}
		run := run
		resumed++
		g.Go(func() error {
			return e.resume(gctx, run)
		})
	}
	if err := g.Wait(); err != nil {
		return resumed, err
	}
	return resumed, nil
}

func (e *Engine) resume(ctx context.Context, run *Run) error {
	e.mu.Lock()
	handler, ok := e.handlers[run.Name]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("no process registered under %q for run %s", run.Name, run.ID)
	}
	if _, live := e.instances[run.ID]; live {
		e.mu.Unlock()
		return nil
	}
	inst := e.newProcess(run)
	e.instances[run.ID] = inst
	e.mu.Unlock()

	signals, err := e.store.ListSignals(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list signals for run %s: %w", run.ID, err)
	}
	for _, sig := range signals {
		inst.deliver(Signal{Name: sig.Name, Payload: sig.Payload})
	}

	e.metrics.RecordProcessRecovered()
	e.logger.Info().Str("process", run.Name).Str("run_id", run.ID).Int("signals", len(signals)).Msg("resuming interrupted run")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.execute(inst, handler)
	}()
	return nil
}

// RunChild executes a child process synchronously and checkpoints its
// outcome under the parent. On replay the checkpointed outcome is
// returned without re-running the child. A failed child surfaces its
// error to the parent.
func RunChild[In, Out any](p *Process, name, childRunID string, input In) (Out, error) {
	var zero Out
	p.DrainSignals()

	key := "child:" + childRunID
	data, err := p.store.GetCheckpoint(p.ctx, p.run.ID, key)
	if err != nil {
		return zero, fmt.Errorf("checkpoint lookup for child %s: %w", childRunID, err)
	}
	if data != nil {
		p.metrics.RecordCheckpointReplayed()
		return decodeChildResult[Out](data)
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return zero, fmt.Errorf("encode child input: %w", err)
	}
	childRun, err := p.engine.runChild(p, name, childRunID, raw)
	if err != nil {
		return zero, err
	}

	result := childResult{Output: childRun.Output, Error: childRun.Error}
	encoded, err := json.Marshal(result)
	if err != nil {
		return zero, fmt.Errorf("encode child result: %w", err)
	}
	if err := p.store.SaveCheckpoint(p.ctx, p.run.ID, key, encoded); err != nil {
		return zero, fmt.Errorf("checkpoint child %s: %w", childRunID, err)
	}
	return decodeChildResult[Out](encoded)
}

type childResult struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func decodeChildResult[Out any](data []byte) (Out, error) {
	var zero Out
	var result childResult
	if err := json.Unmarshal(data, &result); err != nil {
		return zero, fmt.Errorf("decode child result: %w", err)
	}
	var out Out
	if len(result.Output) > 0 {
		if err := json.Unmarshal(result.Output, &out); err != nil {
			return zero, fmt.Errorf("decode child output: %w", err)
		}
	}
	if result.Error != "" {
		return out, errors.New(result.Error)
	}
	return out, nil
}

// runChild creates and executes a child run on the parent's goroutine.
// A terminal run under the same ID is returned as-is; a run left in
// the running state by a crash is re-executed.
func (e *Engine) runChild(parent *Process, name, childRunID string, input []byte) (*Run, error) {
	e.mu.Lock()
	handler, ok := e.handlers[name]
	if !ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("no process registered under %q", name)
	}
	e.mu.Unlock()

	now := time.Now().UTC()
	run := &Run{
		ID:        childRunID,
		Name:      name,
		OrderID:   parent.OrderID(),
		State:     RunStateRunning,
		Input:     input,
		Errors:    []string{},
		ParentID:  parent.RunID(),
		StartedAt: now,
		UpdatedAt: now,
	}
	if err := e.store.CreateRun(parent.ctx, run); err != nil {
		if !errors.Is(err, domain.ErrAlreadyExists) {
			return nil, fmt.Errorf("create child run: %w", err)
		}
		existing, gErr := e.store.GetRun(parent.ctx, childRunID)
		if gErr != nil {
			return nil, gErr
		}
		if existing.State != RunStateRunning {
			return existing, nil
		}
		run = existing
	}

	inst := e.newProcess(run)
	e.mu.Lock()
	e.instances[childRunID] = inst
	e.mu.Unlock()

	e.execute(inst, handler)
	return inst.Snapshot(), nil
}

// Shutdown waits for in-flight runs to finish. When ctx expires first,
// the engine context is canceled and remaining runs abort; they stay
// in the running state and are picked up by ResumeAll on the next
// start.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.cancel()
		return nil
	case <-ctx.Done():
		e.cancel()
		return ctx.Err()
	}
}

func (e *Engine) newProcess(run *Run) *Process {
	return &Process{
		ctx:      observability.WithOrderID(e.baseCtx, run.OrderID),
		engine:   e,
		store:    e.store,
		logger:   observability.WithProcessContext(e.logger, run.Name, run.ID),
		metrics:  e.metrics,
		mailbox:  make(chan Signal, e.cfg.SignalBuffer),
		handlers: make(map[string]SignalHandler),
		run:      run.Clone(),
	}
}

// execute drives a run to a terminal state and persists the outcome.
func (e *Engine) execute(p *Process, handler HandlerFunc) {
	defer func() {
		e.mu.Lock()
		delete(e.instances, p.run.ID)
		e.mu.Unlock()
	}()

	name := p.run.Name
	e.metrics.RecordProcessStarted(name)
	start := time.Now()

	output, err := func() (out []byte, runErr error) {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("process panicked: %v", r)
			}
		}()
		return handler(p, p.run.Input)
	}()

	if err != nil && e.baseCtx.Err() != nil && errors.Is(err, context.Canceled) {
		// Aborted by Shutdown, not failed on its own: leave the stored
		// record in the running state so ResumeAll picks the run up on
		// the next start.
		p.logger.Info().Msg("run aborted by shutdown, left running for resume")
		return
	}

	now := time.Now().UTC()
	p.mu.Lock()
	p.run.Output = output
	p.run.CompletedAt = &now
	if err != nil {
		p.run.State = RunStateFailed
		p.run.Error = err.Error()
	} else {
		p.run.State = RunStateCompleted
	}
	p.mu.Unlock()
	p.persist()

	duration := time.Since(start).Seconds()
	if err != nil {
		e.metrics.RecordProcessFailed(name, duration)
		p.logger.Warn().Err(err).Msg("process failed")
	} else {
		e.metrics.RecordProcessCompleted(name, duration)
		p.logger.Info().Msg("process completed")
	}
}
