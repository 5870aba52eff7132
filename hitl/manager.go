package hitl

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductorhq/conductor/risk"
	"github.com/conductorhq/conductor/types"
)

// Manager owns the approval-request lifecycle: creation at gate entry,
// role-gated decisions, and a background sweep that expires stale requests.
type Manager struct {
	store    Store
	assessor *risk.Assessor
	notifier Notifier
	logger   *zap.Logger

	stopSweep chan struct{}
	sweepOnce sync.Once
	wg        sync.WaitGroup
}

// NewManager creates an approval manager. A nil notifier disables
// notifications.
func NewManager(store Store, assessor *risk.Assessor, notifier Notifier, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:     store,
		assessor:  assessor,
		notifier:  notifier,
		logger:    logger.With(zap.String("component", "hitl")),
		stopSweep: make(chan struct{}),
	}
}

// CreateApprovalRequest assesses the operation's risk and, when approval is
// required, persists a pending request and notifies the ticketing
// collaborator. Low-risk operations are auto-approved: nothing is persisted
// and (nil, nil) is returned.
func (m *Manager) CreateApprovalRequest(ctx context.Context, runID, threadID, checkpointID, requestingAgent string, op risk.Operation) (*Request, error) {
	level := m.assessor.Assess(op)
	if !m.assessor.RequiresApproval(level) {
		m.logger.Debug("operation auto-approved",
			zap.String("run_id", runID),
			zap.String("risk_level", string(level)),
		)
		return nil, nil
	}

	now := time.Now()
	req := &Request{
		ID:              uuid.New().String(),
		RunID:           runID,
		ThreadID:        threadID,
		CheckpointID:    checkpointID,
		RiskLevel:       level,
		RequestingAgent: requestingAgent,
		Operation:       op,
		Status:          StatusPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(m.assessor.Timeout(level)),
	}

	if err := m.store.Save(ctx, req); err != nil {
		return nil, err
	}

	m.logger.Info("approval request created",
		zap.String("approval_id", req.ID),
		zap.String("run_id", runID),
		zap.String("risk_level", string(level)),
		zap.String("requesting_agent", requestingAgent),
		zap.Time("expires_at", req.ExpiresAt),
	)

	m.notify(req)
	return req, nil
}

// Approve transitions a pending request to approved. The approver's role
// must meet the minimum for the request's risk level, otherwise Approve
// fails with AUTHORIZATION and the request stays pending.
func (m *Manager) Approve(ctx context.Context, requestID, approverID string, approverRole risk.Role, justification string) (*Request, error) {
	req, err := m.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, types.NewErrorf(types.ErrInvalidState,
			"approval request %s is %s, not pending", requestID, req.Status)
	}

	if required := risk.MinimumRole(req.RiskLevel); !approverRole.Meets(required) {
		return nil, types.NewErrorf(types.ErrAuthorization,
			"role %s cannot approve %s-risk request %s (requires %s or above)",
			approverRole, req.RiskLevel, requestID, required)
	}

	now := time.Now()
	req.Status = StatusApproved
	req.ApproverID = approverID
	req.ApproverRole = approverRole
	req.Justification = justification
	req.DecidedAt = &now

	if err := m.store.Transition(ctx, req, StatusPending); err != nil {
		return nil, err
	}

	m.logger.Info("approval request approved",
		zap.String("approval_id", requestID),
		zap.String("approver_id", approverID),
		zap.String("approver_role", string(approverRole)),
	)

	m.notify(req)
	return req, nil
}

// Reject transitions a pending request to rejected. Any authenticated role
// may reject.
func (m *Manager) Reject(ctx context.Context, requestID, rejectorID, reason string) (*Request, error) {
	if rejectorID == "" {
		return nil, types.NewError(types.ErrAuthorization, "rejector identity required")
	}

	req, err := m.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, types.NewErrorf(types.ErrInvalidState,
			"approval request %s is %s, not pending", requestID, req.Status)
	}

	now := time.Now()
	req.Status = StatusRejected
	req.ApproverID = rejectorID
	req.Justification = reason
	req.DecidedAt = &now

	if err := m.store.Transition(ctx, req, StatusPending); err != nil {
		return nil, err
	}

	m.logger.Info("approval request rejected",
		zap.String("approval_id", requestID),
		zap.String("rejector_id", rejectorID),
		zap.String("reason", reason),
	)

	m.notify(req)
	return req, nil
}

// CheckStatus returns the current status and metadata for a request.
func (m *Manager) CheckStatus(ctx context.Context, requestID string) (*Request, error) {
	return m.store.Get(ctx, requestID)
}

// ListByRun returns a run's approval requests, optionally filtered by
// status.
func (m *Manager) ListByRun(ctx context.Context, runID string, status Status) ([]*Request, error) {
	return m.store.ListByRun(ctx, runID, status)
}

// ExpirePending transitions every pending request past its expiry to
// expired and returns them. The engine treats expiry identically to a
// rejection: the workflow does not resume automatically.
func (m *Manager) ExpirePending(ctx context.Context, now time.Time) ([]*Request, error) {
	expired, err := m.store.ListExpired(ctx, now)
	if err != nil {
		return nil, err
	}

	var swept []*Request
	for _, req := range expired {
		decidedAt := now
		req.Status = StatusExpired
		req.DecidedAt = &decidedAt

		if err := m.store.Transition(ctx, req, StatusPending); err != nil {
			// Lost the race to a concurrent decision; skip.
			if types.IsCode(err, types.ErrInvalidState) {
				continue
			}
			return swept, err
		}

		m.logger.Warn("approval request expired",
			zap.String("approval_id", req.ID),
			zap.String("run_id", req.RunID),
			zap.Time("expired_at", req.ExpiresAt),
		)
		m.notify(req)
		swept = append(swept, req)
	}
	return swept, nil
}

// StartSweeper runs the expiry sweep periodically until StopSweeper.
func (m *Manager) StartSweeper(interval time.Duration) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if _, err := m.ExpirePending(ctx, time.Now()); err != nil {
					m.logger.Error("expiry sweep failed", zap.Error(err))
				}
				cancel()
			case <-m.stopSweep:
				return
			}
		}
	}()
}

// StopSweeper stops the background sweep. Safe to call more than once.
func (m *Manager) StopSweeper() {
	m.sweepOnce.Do(func() {
		close(m.stopSweep)
	})
	m.wg.Wait()
}

// notify delivers to the ticketing collaborator without blocking the
// caller. Delivery failures are logged, never fatal.
func (m *Manager) notify(req *Request) {
	if m.notifier == nil {
		return
	}
	note := Notification{
		ApprovalID:       req.ID,
		RunID:            req.RunID,
		RiskLevel:        req.RiskLevel,
		OperationSummary: req.Operation.Description,
		Status:           req.Status,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.notifier.Notify(ctx, note); err != nil {
			m.logger.Warn("notification delivery failed",
				zap.String("approval_id", note.ApprovalID),
				zap.Error(err),
			)
		}
	}()
}
