package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/commercekit/fulfillment-service/internal/domain"
)

// MemStore is an in-memory Store implementation. It backs unit tests
// and local development without a database; production uses the
// Postgres-backed store in the repository package.
type MemStore struct {
	mu          sync.RWMutex
	runs        map[string]*Run
	checkpoints map[string]map[string][]byte
	signals     map[string][]*SignalRecord
	nextSigID   int64
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:        make(map[string]*Run),
		checkpoints: make(map[string]map[string][]byte),
		signals:     make(map[string][]*SignalRecord),
	}
}

func (s *MemStore) CreateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return domain.NewAlreadyExistsError("process run", run.ID)
	}
	s.runs[run.ID] = run.Clone()
	return nil
}

func (s *MemStore) GetRun(_ context.Context, runID string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return nil, domain.NewNotFoundError("process run", runID)
	}
	return run.Clone(), nil
}

func (s *MemStore) UpdateRun(_ context.Context, run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return domain.NewNotFoundError("process run", run.ID)
	}
	c := run.Clone()
	c.UpdatedAt = time.Now().UTC()
	s.runs[run.ID] = c
	return nil
}

func (s *MemStore) ListRunsByState(_ context.Context, state RunState) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Run
	for _, run := range s.runs {
		if run.State == state {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemStore) SaveCheckpoint(_ context.Context, runID, stepName string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	steps, ok := s.checkpoints[runID]
	if !ok {
		steps = make(map[string][]byte)
		s.checkpoints[runID] = steps
	}
	steps[stepName] = append([]byte(nil), data...)
	return nil
}

func (s *MemStore) GetCheckpoint(_ context.Context, runID, stepName string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.checkpoints[runID][stepName]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), data...), nil
}

func (s *MemStore) AppendSignal(_ context.Context, runID, name string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSigID++
	s.signals[runID] = append(s.signals[runID], &SignalRecord{
		ID:        s.nextSigID,
		RunID:     runID,
		Name:      name,
		Payload:   append([]byte(nil), payload...),
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *MemStore) ListSignals(_ context.Context, runID string) ([]*SignalRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*SignalRecord, 0, len(s.signals[runID]))
	for _, sig := range s.signals[runID] {
		c := *sig
		c.Payload = append([]byte(nil), sig.Payload...)
		out = append(out, &c)
	}
	return out, nil
}
