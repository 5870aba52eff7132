package hitl

import (
	"context"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/risk"
)

// Notification is what the external ticketing collaborator receives when a
// request is created or reaches a terminal decision.
type Notification struct {
	ApprovalID       string     `json:"approval_id"`
	RunID            string     `json:"run_id"`
	RiskLevel        risk.Level `json:"risk_level"`
	OperationSummary string     `json:"operation_summary"`
	Status           Status     `json:"status"`
}

// Notifier surfaces approval requests to humans. Delivery is fire-and-
// forget: failures are logged by the manager, never fatal.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the log. The default when no
// ticketing integration is configured.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.With(zap.String("component", "notifier"))}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) error {
	n.logger.Info("approval notification",
		zap.String("approval_id", note.ApprovalID),
		zap.String("run_id", note.RunID),
		zap.String("risk_level", string(note.RiskLevel)),
		zap.String("status", string(note.Status)),
		zap.String("operation", note.OperationSummary),
	)
	return nil
}
