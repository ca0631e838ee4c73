package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/commercekit/fulfillment-service/internal/domain"
	"github.com/commercekit/fulfillment-service/internal/engine"
)

// Compile-time interface verification.
var _ engine.Store = (*PgProcessStore)(nil)

// PgProcessStore is the PostgreSQL write-ahead store for the process
// engine. Runs, checkpoints, and signals land here before the engine
// acts on them, which is what ResumeAll recovers from after a crash.
type PgProcessStore struct {
	db DBTX
}

// NewPgProcessStore creates a new PostgreSQL process store.
func NewPgProcessStore(db DBTX) *PgProcessStore {
	return &PgProcessStore{db: db}
}

// CreateRun inserts a new run. It returns domain.ErrAlreadyExists when
// a run with the same ID exists, which StartProcess uses for
// idempotent starts.
func (s *PgProcessStore) CreateRun(ctx context.Context, run *engine.Run) error {
	if run == nil {
		return domain.NewValidationError("run", "run cannot be nil")
	}
	if run.ID == "" {
		return domain.NewValidationError("run_id", "run ID is required")
	}

	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}

	query := `
		INSERT INTO process_runs (
			id, name, order_id, state, step, canceled,
			input, output, errors, error, parent_id,
			started_at, completed_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = s.db.Exec(ctx, query,
		run.ID, run.Name, run.OrderID, run.State, run.Step, run.Canceled,
		nullableJSON(run.Input), nullableJSON(run.Output), errorsJSON, run.Error, nullableText(run.ParentID),
		run.StartedAt, run.CompletedAt, run.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.NewAlreadyExistsError("process run", run.ID)
		}
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *PgProcessStore) GetRun(ctx context.Context, runID string) (*engine.Run, error) {
	if runID == "" {
		return nil, domain.NewValidationError("run_id", "run ID is required")
	}

	query := `
		SELECT id, name, order_id, state, step, canceled,
			input, output, errors, error, parent_id,
			started_at, completed_at, updated_at
		FROM process_runs
		WHERE id = $1`

	run, err := scanRun(s.db.QueryRow(ctx, query, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.NewNotFoundError("process run", runID)
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun replaces the mutable fields of a run.
func (s *PgProcessStore) UpdateRun(ctx context.Context, run *engine.Run) error {
	if run == nil {
		return domain.NewValidationError("run", "run cannot be nil")
	}

	errorsJSON, err := json.Marshal(run.Errors)
	if err != nil {
		return fmt.Errorf("failed to marshal errors: %w", err)
	}

	query := `
		UPDATE process_runs
		SET state = $1, step = $2, canceled = $3, output = $4,
			errors = $5, error = $6, completed_at = $7, updated_at = $8
		WHERE id = $9`

	result, err := s.db.Exec(ctx, query,
		run.State, run.Step, run.Canceled, nullableJSON(run.Output),
		errorsJSON, run.Error, run.CompletedAt, time.Now().UTC(), run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return domain.NewNotFoundError("process run", run.ID)
	}
	return nil
}

// ListRunsByState returns runs in the given state, oldest first.
func (s *PgProcessStore) ListRunsByState(ctx context.Context, state engine.RunState) ([]*engine.Run, error) {
	query := `
		SELECT id, name, order_id, state, step, canceled,
			input, output, errors, error, parent_id,
			started_at, completed_at, updated_at
		FROM process_runs
		WHERE state = $1
		ORDER BY started_at ASC`

	rows, err := s.db.Query(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*engine.Run
	for rows.Next() {
		run, err := scanRunFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// SaveCheckpoint records a step result. The first write for a step
// wins; a replayed write is a no-op.
func (s *PgProcessStore) SaveCheckpoint(ctx context.Context, runID, stepName string, data []byte) error {
	if runID == "" {
		return domain.NewValidationError("run_id", "run ID is required")
	}
	if stepName == "" {
		return domain.NewValidationError("step_name", "step name is required")
	}
	if len(data) == 0 {
		data = []byte(`{}`)
	}

	query := `
		INSERT INTO process_checkpoints (run_id, step_name, data, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, step_name) DO NOTHING`

	if _, err := s.db.Exec(ctx, query, runID, stepName, data, time.Now().UTC()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.NewNotFoundError("process run", runID)
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the stored step result, nil when the step has
// not completed.
func (s *PgProcessStore) GetCheckpoint(ctx context.Context, runID, stepName string) ([]byte, error) {
	query := `SELECT data FROM process_checkpoints WHERE run_id = $1 AND step_name = $2`

	var data []byte
	err := s.db.QueryRow(ctx, query, runID, stepName).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	if data == nil {
		data = []byte(`{}`)
	}
	return data, nil
}

// AppendSignal records a signal in the run's signal log.
func (s *PgProcessStore) AppendSignal(ctx context.Context, runID, name string, payload []byte) error {
	if runID == "" {
		return domain.NewValidationError("run_id", "run ID is required")
	}
	if name == "" {
		return domain.NewValidationError("name", "signal name is required")
	}

	query := `
		INSERT INTO process_signals (run_id, name, payload, created_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := s.db.Exec(ctx, query, runID, name, nullableJSON(payload), time.Now().UTC()); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return domain.NewNotFoundError("process run", runID)
		}
		return fmt.Errorf("failed to append signal: %w", err)
	}
	return nil
}

// ListSignals returns the run's signals in the order they arrived.
func (s *PgProcessStore) ListSignals(ctx context.Context, runID string) ([]*engine.SignalRecord, error) {
	query := `
		SELECT id, run_id, name, payload, created_at
		FROM process_signals
		WHERE run_id = $1
		ORDER BY id ASC`

	rows, err := s.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list signals: %w", err)
	}
	defer rows.Close()

	var signals []*engine.SignalRecord
	for rows.Next() {
		var sig engine.SignalRecord
		if err := rows.Scan(&sig.ID, &sig.RunID, &sig.Name, &sig.Payload, &sig.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan signal: %w", err)
		}
		signals = append(signals, &sig)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating signals: %w", err)
	}
	return signals, nil
}

// runScanDest holds the destination pointers for scanning a run row.
type runScanDest struct {
	run        engine.Run
	errorsJSON []byte
	parentID   *string
}

func (d *runScanDest) destinations() []interface{} {
	return []interface{}{
		&d.run.ID, &d.run.Name, &d.run.OrderID, &d.run.State, &d.run.Step, &d.run.Canceled,
		&d.run.Input, &d.run.Output, &d.errorsJSON, &d.run.Error, &d.parentID,
		&d.run.StartedAt, &d.run.CompletedAt, &d.run.UpdatedAt,
	}
}

func (d *runScanDest) finalize() (*engine.Run, error) {
	if len(d.errorsJSON) > 0 {
		if err := json.Unmarshal(d.errorsJSON, &d.run.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal errors: %w", err)
		}
	}
	if d.run.Errors == nil {
		d.run.Errors = []string{}
	}
	if d.parentID != nil {
		d.run.ParentID = *d.parentID
	}
	return &d.run, nil
}

func scanRun(row pgx.Row) (*engine.Run, error) {
	var dest runScanDest
	if err := row.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

func scanRunFromRows(rows pgx.Rows) (*engine.Run, error) {
	var dest runScanDest
	if err := rows.Scan(dest.destinations()...); err != nil {
		return nil, err
	}
	return dest.finalize()
}

// nullableJSON maps an empty byte slice to SQL NULL.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// nullableText maps an empty string to SQL NULL, used for the
// self-referencing parent_id column.
func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}
