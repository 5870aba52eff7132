package main

import (
	"context"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/bus"
	"github.com/conductorhq/conductor/engine"
	"github.com/conductorhq/conductor/risk"
	"github.com/conductorhq/conductor/router"
)

// Control events accepted by the dispatcher. Workers and front-ends emit
// these on the bus instead of calling the engine directly.
const (
	eventTaskSubmitted    bus.EventType = "workflow.task.submitted"
	eventApprovalDecision bus.EventType = "workflow.approval.decision"
	eventRunCancel        bus.EventType = "workflow.run.cancel"
)

// dispatcher bridges bus control events to router and engine calls.
type dispatcher struct {
	bus    *bus.Bus
	router *router.Router
	engine *engine.Engine
	logger *zap.Logger
}

func newDispatcher(b *bus.Bus, r *router.Router, eng *engine.Engine, logger *zap.Logger) *dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &dispatcher{
		bus:    b,
		router: r,
		engine: eng,
		logger: logger.With(zap.String("component", "dispatcher")),
	}
}

// start subscribes the dispatcher to its control events. The returned
// subscriptions stay live until the bus stops; ctx bounds each handled
// operation.
func (d *dispatcher) start(ctx context.Context) {
	d.bus.Subscribe(eventTaskSubmitted, func(event bus.Event) {
		d.handleTaskSubmitted(ctx, event)
	})
	d.bus.Subscribe(eventApprovalDecision, func(event bus.Event) {
		d.handleApprovalDecision(ctx, event)
	})
	d.bus.Subscribe(eventRunCancel, func(event bus.Event) {
		d.handleRunCancel(ctx, event)
	})
}

func (d *dispatcher) handleTaskSubmitted(ctx context.Context, event bus.Event) {
	description, _ := event.Payload["description"].(string)
	taskCtx := router.TaskContext{
		Values: map[string]any{},
	}
	if wf, ok := event.Payload["workflow"].(string); ok {
		taskCtx.ExplicitWorkflow = wf
	}
	if branch, ok := event.Payload["branch"].(string); ok {
		taskCtx.Branch = branch
	}
	if files, ok := event.Payload["files"].([]string); ok {
		taskCtx.Files = files
	}
	runContext, _ := event.Payload["context"].(map[string]any)
	for k, v := range runContext {
		taskCtx.Values[k] = v
	}

	decision, err := d.router.Route(ctx, description, taskCtx)
	if err != nil {
		d.logger.Error("routing failed",
			zap.String("source", event.Source),
			zap.Error(err),
		)
		return
	}
	if decision.RequiresConfirmation {
		d.logger.Warn("routing decision below threshold, not starting run",
			zap.String("workflow", decision.WorkflowID),
			zap.Float64("confidence", decision.Confidence),
			zap.String("reasoning", decision.Reasoning),
		)
		return
	}

	run, err := d.engine.Start(ctx, decision.WorkflowID, runContext)
	if err != nil {
		d.logger.Error("run start failed",
			zap.String("workflow", decision.WorkflowID),
			zap.Error(err),
		)
		return
	}
	d.logger.Info("run started from task event",
		zap.String("run_id", run.ID),
		zap.String("workflow", decision.WorkflowID),
		zap.Float64("confidence", decision.Confidence),
		zap.String("method", string(decision.Method)),
	)
}

func (d *dispatcher) handleApprovalDecision(ctx context.Context, event bus.Event) {
	runID, _ := event.Payload["run_id"].(string)
	verdict, _ := event.Payload["decision"].(string)
	approverID, _ := event.Payload["approver_id"].(string)
	approverRole, _ := event.Payload["approver_role"].(string)

	run, err := d.engine.Resume(ctx, runID, engine.Decision(verdict), approverID, risk.Role(approverRole))
	if err != nil {
		d.logger.Error("resume failed",
			zap.String("run_id", runID),
			zap.String("decision", verdict),
			zap.Error(err),
		)
		return
	}
	d.logger.Info("run resumed from approval event",
		zap.String("run_id", run.ID),
		zap.String("status", string(run.Status)),
	)
}

func (d *dispatcher) handleRunCancel(ctx context.Context, event bus.Event) {
	runID, _ := event.Payload["run_id"].(string)
	run, err := d.engine.Cancel(ctx, runID)
	if err != nil {
		d.logger.Error("cancel failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	d.logger.Info("run cancelled from event", zap.String("run_id", run.ID))
}
