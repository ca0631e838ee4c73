package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/commercekit/fulfillment-service/internal/observability"
)

// Process is the execution context handed to a process handler. All
// durable primitives (steps, sleeps, child runs, activities) hang off
// it, and it owns the signal mailbox for the run.
//
// A Process is driven by exactly one goroutine (the handler). Signals
// arrive from other goroutines through the mailbox and are only acted
// on when the handler drains it, so handler code never needs its own
// synchronization. The mutex guards the run record, which status
// queries read concurrently.
type Process struct {
	ctx     context.Context
	engine  *Engine
	store   Store
	logger  zerolog.Logger
	metrics *observability.Metrics

	mailbox  chan Signal
	handlers map[string]SignalHandler

	mu  sync.Mutex
	run *Run
}

// Context returns the context for the lifetime of the run.
func (p *Process) Context() context.Context { return p.ctx }

// RunID returns the identifier of this run.
func (p *Process) RunID() string { return p.run.ID }

// OrderID returns the order this run belongs to.
func (p *Process) OrderID() string { return p.run.OrderID }

// Logger returns a logger scoped to this run.
func (p *Process) Logger() zerolog.Logger { return p.logger }

// Snapshot returns a copy of the current run record. It is safe to
// call from any goroutine.
func (p *Process) Snapshot() *Run {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run.Clone()
}

// OnSignal registers the handler invoked when a signal with the given
// name is drained. Registering again replaces the previous handler.
func (p *Process) OnSignal(name string, fn SignalHandler) {
	p.handlers[name] = fn
}

// deliver enqueues a signal without blocking. A full mailbox drops the
// signal; it is still in the store and will be re-delivered if the run
// is resumed.
func (p *Process) deliver(sig Signal) bool {
	select {
	case p.mailbox <- sig:
		return true
	default:
		p.metrics.RecordSignalDropped()
		p.logger.Warn().Str("signal", sig.Name).Msg("signal mailbox full, dropping")
		return false
	}
}

// DrainSignals dispatches every queued signal to its handler and
// returns. Process handlers call this at each checkpoint so decisions
// like cancellation are based on everything received so far.
func (p *Process) DrainSignals() {
	for {
		select {
		case sig := <-p.mailbox:
			fn, ok := p.handlers[sig.Name]
			if !ok {
				p.logger.Warn().Str("signal", sig.Name).Msg("no handler for signal")
				continue
			}
			fn(sig.Payload)
		default:
			return
		}
	}
}

// Cancel marks the run as canceled and persists the flag. The handler
// observes it via Canceled at its next checkpoint.
func (p *Process) Cancel() {
	p.mu.Lock()
	p.run.Canceled = true
	p.mu.Unlock()
	p.persist()
	p.metrics.RecordProcessCancelled()
	p.logger.Info().Msg("cancellation requested")
}

// Canceled reports whether cancellation has been requested.
func (p *Process) Canceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run.Canceled
}

// SetStep records the step the run is currently in.
func (p *Process) SetStep(name string) {
	p.mu.Lock()
	p.run.Step = name
	p.mu.Unlock()
	p.persist()
}

// Step returns the current step name.
func (p *Process) Step() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run.Step
}

// AppendError adds a non-fatal error message to the run's error list.
func (p *Process) AppendError(msg string) {
	p.mu.Lock()
	p.run.Errors = append(p.run.Errors, msg)
	p.mu.Unlock()
	p.persist()
}

// Errors returns a copy of the accumulated error messages.
func (p *Process) Errors() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.run.Errors...)
}

// SignalParent sends a signal to the parent run. Child processes use
// it for advisory notifications; it is a no-op for top-level runs.
func (p *Process) SignalParent(name string, payload []byte) error {
	p.mu.Lock()
	parentID := p.run.ParentID
	p.mu.Unlock()
	if parentID == "" {
		return nil
	}
	return p.engine.Signal(p.ctx, parentID, name, payload)
}

// persist writes the current run record to the store. Persistence
// failures are logged, not returned: the in-memory record stays
// authoritative for the live instance and the next persist retries
// the full state.
func (p *Process) persist() {
	snapshot := p.Snapshot()
	if err := p.store.UpdateRun(p.ctx, snapshot); err != nil {
		p.logger.Error().Err(err).Msg("failed to persist run state")
	}
}

// Sleep pauses the run for the given duration. The pause is durable:
// once it has elapsed a checkpoint is written, so a resumed run does
// not wait again. Queued signals are drained before sleeping.
func (p *Process) Sleep(name string, d time.Duration) error {
	p.DrainSignals()
	key := "sleep:" + name
	data, err := p.store.GetCheckpoint(p.ctx, p.run.ID, key)
	if err != nil {
		return fmt.Errorf("checkpoint lookup for sleep %s: %w", name, err)
	}
	if data != nil {
		p.metrics.RecordCheckpointReplayed()
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
	p.DrainSignals()
	if err := p.store.SaveCheckpoint(p.ctx, p.run.ID, key, []byte(`{}`)); err != nil {
		return fmt.Errorf("checkpoint sleep %s: %w", name, err)
	}
	return nil
}
