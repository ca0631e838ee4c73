package engine

import (
	"time"
)

// RunState represents the lifecycle state of a process run.
type RunState string

const (
	// RunStateRunning means the process is currently executing.
	RunStateRunning RunState = "running"
	// RunStateCompleted means the process finished successfully.
	RunStateCompleted RunState = "completed"
	// RunStateFailed means the process failed terminally.
	RunStateFailed RunState = "failed"
)

// Run represents a single execution of a process. Step, Canceled, and
// Errors are updated while the run executes so a status query can
// answer mid-flight, and they survive a restart for resumed runs.
type Run struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	OrderID     string     `json:"order_id"`
	State       RunState   `json:"state"`
	Step        string     `json:"step"`
	Canceled    bool       `json:"canceled"`
	Input       []byte     `json:"input,omitempty"`
	Output      []byte     `json:"output,omitempty"`
	Errors      []string   `json:"errors"`
	Error       string     `json:"error,omitempty"`
	ParentID    string     `json:"parent_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy of the run. Status queries hand out clones
// so callers cannot race with the executing instance.
func (r *Run) Clone() *Run {
	c := *r
	c.Errors = append([]string(nil), r.Errors...)
	c.Input = append([]byte(nil), r.Input...)
	c.Output = append([]byte(nil), r.Output...)
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
