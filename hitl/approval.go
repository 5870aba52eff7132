package hitl

import (
	"context"
	"time"

	"github.com/conductorhq/conductor/risk"
)

// Status is the approval-request lifecycle state. All transitions out of
// pending are terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request is a persisted human-approval request for a risk-gated step.
// Immutable once it reaches a terminal status.
type Request struct {
	ID           string `json:"id"`
	RunID        string `json:"run_id"`
	ThreadID     string `json:"thread_id"`
	CheckpointID string `json:"checkpoint_id,omitempty"`

	RiskLevel       risk.Level     `json:"risk_level"`
	RequestingAgent string         `json:"requesting_agent"`
	Operation       risk.Operation `json:"operation"`

	Status        Status    `json:"status"`
	ApproverID    string    `json:"approver_id,omitempty"`
	ApproverRole  risk.Role `json:"approver_role,omitempty"`
	Justification string    `json:"justification,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt time.Time  `json:"expires_at"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
}

// Store persists approval requests. Transition is conditional on the
// stored status still being `from`, so a request moves out of pending
// exactly once even under concurrent deciders.
type Store interface {
	// Save persists a new request.
	Save(ctx context.Context, req *Request) error

	// Get returns a request by id, or NOT_FOUND.
	Get(ctx context.Context, id string) (*Request, error)

	// Transition atomically replaces the request iff its stored status
	// equals from. Fails with INVALID_STATE otherwise.
	Transition(ctx context.Context, req *Request, from Status) error

	// ListByRun returns all requests for a run, optionally filtered by
	// status ("" matches all).
	ListByRun(ctx context.Context, runID string, status Status) ([]*Request, error)

	// ListExpired returns pending requests whose expiry time has passed.
	ListExpired(ctx context.Context, now time.Time) ([]*Request, error)

	// Close releases backend resources.
	Close() error
}
