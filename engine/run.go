package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/conductorhq/conductor/checkpoint"
	"github.com/conductorhq/conductor/risk"
	"github.com/conductorhq/conductor/types"
)

// Status is a run's lifecycle state:
// pending → running → {paused → running} → completed | failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// StepStatus is a step's state within a run.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// StepState is the per-run execution record of one definition step.
type StepState struct {
	ID        string          `json:"id"`
	Status    StepStatus      `json:"status"`
	Attempts  int             `json:"attempts,omitempty"`
	Result    map[string]any  `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode types.ErrorCode `json:"error_code,omitempty"`
}

// PendingApproval is surfaced on a paused run: the approval id to decide
// on and the risk level that forced the pause.
type PendingApproval struct {
	ApprovalID string     `json:"approval_id"`
	StepID     string     `json:"step_id"`
	RiskLevel  risk.Level `json:"risk_level"`
}

// Failure is surfaced on a failed run: the failing step, the error
// taxonomy kind, and a human-readable message.
type Failure struct {
	StepID  string          `json:"step_id,omitempty"`
	Code    types.ErrorCode `json:"code"`
	Message string          `json:"message"`
}

// Run is one live or historical execution of a workflow definition. The
// serialized form is what checkpoints persist; Seq and LastCheckpointID
// are chain-position metadata recovered from the checkpoint itself.
type Run struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
	Workflow string `json:"workflow"`
	Status   Status `json:"status"`

	Context map[string]any        `json:"context,omitempty"`
	Steps   map[string]*StepState `json:"steps"`

	Pending *PendingApproval `json:"pending_approval,omitempty"`
	Failure *Failure         `json:"failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Seq              int64  `json:"-"`
	LastCheckpointID string `json:"-"`
}

// clone returns an independent deep copy for external callers.
func (r *Run) clone() *Run {
	data, _ := json.Marshal(r)
	var out Run
	_ = json.Unmarshal(data, &out)
	out.Seq = r.Seq
	out.LastCheckpointID = r.LastCheckpointID
	return &out
}

// checkpointID derives the next checkpoint id from the chain position.
// Deterministic ids make concurrent writers of the same thread collide at
// the store instead of silently forking the chain.
func (r *Run) checkpointID() string {
	return fmt.Sprintf("cp-%08d", r.Seq+1)
}

func runToState(r *Run) (map[string]any, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "run state not serializable").WithCause(err)
	}
	state := make(map[string]any)
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, types.NewError(types.ErrValidation, "run state not serializable").WithCause(err)
	}
	return state, nil
}

func runFromCheckpoint(cp *checkpoint.Checkpoint) (*Run, error) {
	data, err := json.Marshal(cp.State)
	if err != nil {
		return nil, types.NewError(types.ErrValidation, "checkpoint state corrupt").WithCause(err)
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, types.NewError(types.ErrValidation, "checkpoint state corrupt").WithCause(err)
	}
	run.Seq = seqFromCheckpointID(cp.CheckpointID)
	run.LastCheckpointID = cp.CheckpointID
	return &run, nil
}

func seqFromCheckpointID(id string) int64 {
	var seq int64
	if _, err := fmt.Sscanf(id, "cp-%d", &seq); err != nil {
		return 0
	}
	return seq
}
