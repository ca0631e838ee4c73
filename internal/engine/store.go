package engine

import (
	"context"
	"time"
)

// SignalRecord is a signal persisted in the store. Signals are kept in
// an append-only log per run so they can be re-delivered when a run is
// resumed after a crash.
type SignalRecord struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Name      string    `json:"name"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the durability backend for the engine. Every run mutation,
// checkpoint, and signal goes through it before the engine acts, which
// is what makes recovery after a crash possible.
//
// GetCheckpoint returns nil data when no checkpoint exists for the
// step; implementations must never persist nil data (the engine always
// writes at least a JSON null).
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRunsByState(ctx context.Context, state RunState) ([]*Run, error)

	SaveCheckpoint(ctx context.Context, runID, stepName string, data []byte) error
	GetCheckpoint(ctx context.Context, runID, stepName string) ([]byte, error)

	AppendSignal(ctx context.Context, runID, name string, payload []byte) error
	ListSignals(ctx context.Context, runID string) ([]*SignalRecord, error)
}
