package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductorhq/conductor/bus"
	"github.com/conductorhq/conductor/checkpoint"
	"github.com/conductorhq/conductor/definition"
	"github.com/conductorhq/conductor/hitl"
	"github.com/conductorhq/conductor/internal/metrics"
	"github.com/conductorhq/conductor/resilience"
	"github.com/conductorhq/conductor/risk"
	"github.com/conductorhq/conductor/types"
)

// Lifecycle events emitted on the bus.
const (
	EventRunStarted   bus.EventType = "workflow.run.started"
	EventRunPaused    bus.EventType = "workflow.run.paused"
	EventRunResumed   bus.EventType = "workflow.run.resumed"
	EventRunCompleted bus.EventType = "workflow.run.completed"
	EventRunFailed    bus.EventType = "workflow.run.failed"
	EventStepFinished bus.EventType = "workflow.step.finished"
)

// Decision is the human verdict carried by Resume.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Options tune engine behavior. Zero values take the documented defaults.
type Options struct {
	// Source names the engine as the requesting agent on the bus and in
	// approval requests. Default "engine".
	Source string
	// DefaultStepTimeout bounds agent calls whose step declares no timeout.
	// Default 30s.
	DefaultStepTimeout time.Duration
	// Retry governs transient-failure retries around agent dispatch.
	Retry resilience.RetryPolicy
	// Breaker configures the per-agent circuit breakers.
	Breaker resilience.BreakerConfig
	// CheckpointRetries bounds reload-and-reevaluate cycles on version
	// conflicts before surfacing CONCURRENCY. Default 3.
	CheckpointRetries int
}

func (o Options) withDefaults() Options {
	if o.Source == "" {
		o.Source = "engine"
	}
	if o.DefaultStepTimeout <= 0 {
		o.DefaultStepTimeout = 30 * time.Second
	}
	if o.Retry.MaxRetries == 0 && o.Retry.InitialBackoff == 0 {
		o.Retry = resilience.DefaultRetryPolicy()
	}
	if o.Breaker.FailureThreshold == 0 {
		o.Breaker = resilience.DefaultBreakerConfig()
	}
	if o.CheckpointRetries <= 0 {
		o.CheckpointRetries = 3
	}
	return o
}

// handle pairs a run with its locks. execMu serializes whole operations
// (start, resume, cancel) per run; mu guards the run struct itself so step
// goroutines and readers can touch it mid-operation.
type handle struct {
	execMu sync.Mutex
	mu     sync.Mutex
	run    *Run
}

// Engine executes workflow runs: parallel fan-out of dependency-free
// steps, risk-gated suspension, checkpointing on every transition, and
// resilient agent dispatch.
type Engine struct {
	catalog     *definition.Catalog
	bus         *bus.Bus
	checkpoints checkpoint.Store
	approvals   *hitl.Manager
	breakers    *resilience.BreakerRegistry
	collector   *metrics.Collector
	opts        Options
	logger      *zap.Logger

	mu   sync.RWMutex
	runs map[string]*handle
}

// New creates an engine. collector may be nil to run unmetered.
func New(catalog *definition.Catalog, b *bus.Bus, store checkpoint.Store, approvals *hitl.Manager,
	collector *metrics.Collector, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	log := logger.With(zap.String("component", "engine"))
	return &Engine{
		catalog:     catalog,
		bus:         b,
		checkpoints: store,
		approvals:   approvals,
		breakers: resilience.NewBreakerRegistry(opts.Breaker, func(change resilience.StateChange) {
			collector.RecordBreakerTransition(change.Resource, change.NewState.String())
		}, log),
		collector: collector,
		opts:      opts,
		logger:    log,
		runs:      make(map[string]*handle),
	}
}

// Breakers exposes the per-agent circuit breaker registry.
func (e *Engine) Breakers() *resilience.BreakerRegistry {
	return e.breakers
}

// Start creates a run of the named workflow and executes it until it
// reaches a terminal state or pauses at an approval gate. The returned
// snapshot reflects the run at return time.
func (e *Engine) Start(ctx context.Context, workflow string, runContext map[string]any) (*Run, error) {
	def, err := e.catalog.Get(ctx, workflow)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	run := &Run{
		ID:        uuid.New().String(),
		Workflow:  def.Name,
		Status:    StatusPending,
		Context:   runContext,
		Steps:     make(map[string]*StepState, len(def.Steps)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	run.ThreadID = run.ID
	for _, step := range def.Steps {
		run.Steps[step.ID] = &StepState{ID: step.ID, Status: StepPending}
	}

	h := &handle{run: run}
	e.mu.Lock()
	e.runs[run.ID] = h
	e.mu.Unlock()

	h.execMu.Lock()
	defer h.execMu.Unlock()

	// Initial checkpoint anchors the thread before any execution.
	if err := e.commit(ctx, h, func(r *Run) {}); err != nil {
		return nil, err
	}
	if err := e.commit(ctx, h, func(r *Run) { r.Status = StatusRunning }); err != nil {
		return nil, err
	}
	e.collector.RecordRunStarted(def.Name)
	e.emit(EventRunStarted, run.ID, map[string]any{"workflow": def.Name})
	e.logger.Info("run started",
		zap.String("run_id", run.ID),
		zap.String("workflow", def.Name),
	)

	if err := e.advance(ctx, h, def); err != nil {
		return e.snapshot(h), err
	}
	return e.snapshot(h), nil
}

// Resume re-enters a paused run with a human decision. On approved the
// gate step completes and execution continues; on rejected (and on an
// expired approval) the run fails without dispatching further steps.
func (e *Engine) Resume(ctx context.Context, runID string, decision Decision, approverID string, approverRole risk.Role) (*Run, error) {
	h, err := e.loadHandle(ctx, runID)
	if err != nil {
		return nil, err
	}

	h.execMu.Lock()
	defer h.execMu.Unlock()

	h.mu.Lock()
	status, pending := h.run.Status, h.run.Pending
	workflow := h.run.Workflow
	h.mu.Unlock()

	if status != StatusPaused || pending == nil {
		return nil, types.NewErrorf(types.ErrInvalidState,
			"run %s is %s, not paused awaiting approval", runID, status)
	}

	def, err := e.catalog.Get(ctx, workflow)
	if err != nil {
		return nil, err
	}

	// An approval that expired while the run was paused is treated like a
	// rejection regardless of the requested decision.
	current, err := e.approvals.CheckStatus(ctx, pending.ApprovalID)
	if err != nil {
		return nil, err
	}
	if current.Status == hitl.StatusExpired {
		if err := e.failRun(ctx, h, pending.StepID, types.NewErrorf(types.ErrManualIntervention,
			"approval %s expired before a decision", pending.ApprovalID)); err != nil {
			return e.snapshot(h), err
		}
		return e.snapshot(h), nil
	}

	switch decision {
	case DecisionApproved:
		req, err := e.approvals.Approve(ctx, pending.ApprovalID, approverID, approverRole, "")
		if err != nil {
			return nil, err
		}
		e.collector.RecordApprovalDecided(string(req.RiskLevel), string(req.Status))

		if err := e.commit(ctx, h, func(r *Run) {
			st := r.Steps[pending.StepID]
			st.Status = StepCompleted
			st.Result = map[string]any{"approval_id": pending.ApprovalID, "approved_by": approverID}
			r.Pending = nil
			r.Status = StatusRunning
		}); err != nil {
			return e.snapshot(h), err
		}
		e.emit(EventRunResumed, runID, map[string]any{
			"decision":    string(decision),
			"approval_id": pending.ApprovalID,
		})
		e.logger.Info("run resumed",
			zap.String("run_id", runID),
			zap.String("approval_id", pending.ApprovalID),
			zap.String("approver_id", approverID),
		)

		if err := e.advance(ctx, h, def); err != nil {
			return e.snapshot(h), err
		}
		return e.snapshot(h), nil

	case DecisionRejected:
		req, err := e.approvals.Reject(ctx, pending.ApprovalID, approverID, "rejected via resume")
		if err != nil {
			return nil, err
		}
		e.collector.RecordApprovalDecided(string(req.RiskLevel), string(req.Status))

		if err := e.failRun(ctx, h, pending.StepID, types.NewErrorf(types.ErrManualIntervention,
			"approval %s rejected by %s", pending.ApprovalID, approverID)); err != nil {
			return e.snapshot(h), err
		}
		return e.snapshot(h), nil

	default:
		return nil, types.NewErrorf(types.ErrValidation, "unknown resume decision %q", decision)
	}
}

// Cancel terminally fails a run with reason "cancelled". Completed steps
// are not undone. Terminal runs cannot be cancelled.
func (e *Engine) Cancel(ctx context.Context, runID string) (*Run, error) {
	h, err := e.loadHandle(ctx, runID)
	if err != nil {
		return nil, err
	}

	h.execMu.Lock()
	defer h.execMu.Unlock()

	h.mu.Lock()
	status, pending := h.run.Status, h.run.Pending
	h.mu.Unlock()

	if status.Terminal() {
		return nil, types.NewErrorf(types.ErrInvalidState, "run %s is already %s", runID, status)
	}

	// Close out any dangling approval so the sweep does not chase it.
	if pending != nil {
		if _, err := e.approvals.Reject(ctx, pending.ApprovalID, e.opts.Source, "run cancelled"); err != nil &&
			!types.IsCode(err, types.ErrInvalidState) {
			e.logger.Warn("could not reject approval of cancelled run",
				zap.String("approval_id", pending.ApprovalID), zap.Error(err))
		}
	}

	if err := e.failRun(ctx, h, "", types.NewError(types.ErrCancelled, "cancelled")); err != nil {
		return e.snapshot(h), err
	}
	return e.snapshot(h), nil
}

// GetRun returns a snapshot of a run, recovering it from the checkpoint
// store if it is not resident in memory.
func (e *Engine) GetRun(ctx context.Context, runID string) (*Run, error) {
	h, err := e.loadHandle(ctx, runID)
	if err != nil {
		return nil, err
	}
	return e.snapshot(h), nil
}

// History returns the run's checkpoint chain, oldest to newest.
func (e *Engine) History(ctx context.Context, runID string) ([]*checkpoint.Checkpoint, error) {
	return e.checkpoints.History(ctx, runID)
}

// advance drives the run forward: in each round every pending step whose
// dependencies are satisfied executes, dependency-free steps fanning out
// in parallel, until the run completes, fails, or pauses at a gate.
func (e *Engine) advance(ctx context.Context, h *handle, def *definition.Definition) error {
	for {
		h.mu.Lock()
		running := h.run.Status == StatusRunning
		h.mu.Unlock()
		if !running {
			return nil
		}

		ready, cascade := e.plan(h, def)

		if len(cascade) > 0 {
			// A skipped dependency skips its dependents.
			if err := e.commit(ctx, h, func(r *Run) {
				for _, id := range cascade {
					r.Steps[id].Status = StepSkipped
				}
			}); err != nil {
				return err
			}
			for _, id := range cascade {
				e.collector.RecordStep(def.Name, string(def.Step(id).Kind), string(StepSkipped), 0)
			}
			continue
		}

		if len(ready) == 0 {
			return e.completeIfDone(ctx, h, def)
		}

		var gates, work []*definition.Step
		for _, step := range ready {
			if step.Kind == definition.KindApprovalGate {
				gates = append(gates, step)
			} else {
				work = append(work, step)
			}
		}

		if len(work) > 0 {
			if err := e.executeWave(ctx, h, def, work); err != nil {
				return err
			}
			continue
		}

		// Gates run one at a time: the first one that needs a human pauses
		// the run.
		paused, err := e.evaluateGate(ctx, h, def, gates[0])
		if err != nil {
			return err
		}
		if paused {
			return nil
		}
	}
}

// plan returns the steps ready to execute and the pending steps whose
// dependencies include a skipped step (to be cascade-skipped).
func (e *Engine) plan(h *handle, def *definition.Definition) (ready []*definition.Step, cascade []string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i := range def.Steps {
		step := &def.Steps[i]
		st := h.run.Steps[step.ID]
		if st == nil || st.Status != StepPending {
			continue
		}

		settled := true
		skippedDep := false
		for _, dep := range step.DependsOn {
			switch h.run.Steps[dep].Status {
			case StepCompleted:
			case StepSkipped:
				skippedDep = true
			default:
				settled = false
			}
		}
		if !settled {
			continue
		}
		if skippedDep {
			cascade = append(cascade, step.ID)
			continue
		}
		ready = append(ready, step)
	}
	return ready, cascade
}

// completeIfDone settles a run with no executable steps left.
func (e *Engine) completeIfDone(ctx context.Context, h *handle, def *definition.Definition) error {
	h.mu.Lock()
	done := true
	for _, st := range h.run.Steps {
		if st.Status != StepCompleted && st.Status != StepSkipped {
			done = false
			break
		}
	}
	h.mu.Unlock()

	if !done {
		return e.failRun(ctx, h, "", types.NewError(types.ErrInvalidState,
			"no executable step remains but the workflow is not finished"))
	}

	if err := e.commit(ctx, h, func(r *Run) { r.Status = StatusCompleted }); err != nil {
		return err
	}

	h.mu.Lock()
	duration := time.Since(h.run.CreatedAt)
	h.mu.Unlock()
	e.collector.RecordRunFinished(def.Name, string(StatusCompleted), duration)
	e.emit(EventRunCompleted, h.run.ID, map[string]any{"workflow": def.Name})
	e.logger.Info("run completed",
		zap.String("run_id", h.run.ID),
		zap.Duration("duration", duration),
	)
	return nil
}

// stepFailure carries a failed step's identity through the errgroup.
type stepFailure struct {
	stepID string
	err    error
}

func (f *stepFailure) Error() string { return fmt.Sprintf("step %s: %v", f.stepID, f.err) }
func (f *stepFailure) Unwrap() error { return f.err }

// executeWave runs dependency-free steps in parallel. The first failure
// cancels the wave's siblings and fails the run.
func (e *Engine) executeWave(ctx context.Context, h *handle, def *definition.Definition, work []*definition.Step) error {
	if err := e.commit(ctx, h, func(r *Run) {
		for _, step := range work {
			r.Steps[step.ID].Status = StepRunning
		}
	}); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, step := range work {
		step := step
		g.Go(func() error {
			started := time.Now()
			result, skipped, err := e.executeStep(gctx, h, step)
			if err != nil {
				// Checkpoint on the outer context: a sibling's failure must
				// not stop this step's state from persisting.
				if cerr := e.commit(ctx, h, func(r *Run) {
					st := r.Steps[step.ID]
					st.Status = StepFailed
					st.Error = err.Error()
					st.ErrorCode = types.GetErrorCode(err)
				}); cerr != nil {
					return cerr
				}
				e.collector.RecordStep(def.Name, string(step.Kind), string(StepFailed), time.Since(started))
				return &stepFailure{stepID: step.ID, err: err}
			}

			status := StepCompleted
			if skipped {
				status = StepSkipped
			}
			if cerr := e.commit(ctx, h, func(r *Run) {
				st := r.Steps[step.ID]
				st.Status = status
				st.Result = result
			}); cerr != nil {
				return cerr
			}
			e.collector.RecordStep(def.Name, string(step.Kind), string(status), time.Since(started))
			e.emit(EventStepFinished, h.run.ID, map[string]any{
				"step_id": step.ID,
				"status":  string(status),
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		var sf *stepFailure
		if errors.As(err, &sf) {
			return e.failRun(ctx, h, sf.stepID, sf.err)
		}
		return err
	}
	return nil
}

// executeStep runs one agent-call or conditional step.
func (e *Engine) executeStep(ctx context.Context, h *handle, step *definition.Step) (map[string]any, bool, error) {
	switch step.Kind {
	case definition.KindConditional:
		h.mu.Lock()
		value, ok := h.run.Context[step.Conditional.Key]
		h.mu.Unlock()
		if ok && reflect.DeepEqual(value, step.Conditional.Equals) {
			return map[string]any{"matched": true}, false, nil
		}
		return nil, true, nil

	case definition.KindAgentCall:
		return e.dispatchAgent(ctx, h, step)

	default:
		return nil, false, types.NewErrorf(types.ErrValidation, "step %s has unexecutable kind %s", step.ID, step.Kind)
	}
}

// dispatchAgent sends the step's request over the bus, wrapped in the
// retry policy and the target agent's circuit breaker. Manual-intervention
// failures are never retried but still count against the target's health.
func (e *Engine) dispatchAgent(ctx context.Context, h *handle, step *definition.Step) (map[string]any, bool, error) {
	breaker := e.breakers.GetOrCreate(step.Agent)
	timeout := step.AgentCall.Timeout
	if timeout <= 0 {
		timeout = e.opts.DefaultStepTimeout
	}

	h.mu.Lock()
	payload := make(map[string]any, len(step.AgentCall.Payload)+2)
	for k, v := range step.AgentCall.Payload {
		payload[k] = v
	}
	payload["run_id"] = h.run.ID
	payload["step_id"] = step.ID
	runID := h.run.ID
	h.mu.Unlock()

	var result map[string]any
	attempt := 0
	err := e.opts.Retry.RetryWithBackoff(ctx, e.logger, func() error {
		if attempt > 0 {
			e.collector.RecordRetry(step.Agent)
		}
		attempt++
		h.mu.Lock()
		h.run.Steps[step.ID].Attempts++
		h.mu.Unlock()

		if err := breaker.Allow(); err != nil {
			return err
		}

		resp, err := e.bus.RequestAgent(ctx, &bus.AgentRequest{
			SourceAgent: e.opts.Source,
			TargetAgent: step.Agent,
			RequestType: step.AgentCall.RequestType,
			Payload:     payload,
		}, timeout)
		if err != nil {
			breaker.RecordFailure()
			if types.IsCode(err, types.ErrNotFound) {
				// Missing dependency: surfaced for a human, never retried.
				return types.NewErrorf(types.ErrManualIntervention,
					"agent %q is not registered", step.Agent).WithCause(err)
			}
			return err
		}
		e.collector.RecordDispatch(step.Agent, string(resp.Status), resp.Duration)

		switch resp.Status {
		case bus.StatusSuccess:
			breaker.RecordSuccess()
			result = resp.Result
			return nil
		case bus.StatusTimeout:
			breaker.RecordFailure()
			return types.NewError(types.ErrTimeout, resp.Error)
		default:
			breaker.RecordFailure()
			if resp.ErrorCode != "" {
				return types.NewError(resp.ErrorCode, resp.Error)
			}
			return types.NewError(types.ErrValidation, resp.Error)
		}
	})
	if err != nil {
		e.logger.Warn("agent call failed",
			zap.String("run_id", runID),
			zap.String("step_id", step.ID),
			zap.String("agent", step.Agent),
			zap.Error(err),
		)
		return nil, false, err
	}
	return result, false, nil
}

// evaluateGate assesses the gated operation; low risk auto-approves and
// completes the step, anything higher persists a pending approval and
// pauses the run.
func (e *Engine) evaluateGate(ctx context.Context, h *handle, def *definition.Definition, step *definition.Step) (bool, error) {
	h.mu.Lock()
	runID, threadID, cpID := h.run.ID, h.run.ThreadID, h.run.LastCheckpointID
	h.mu.Unlock()

	req, err := e.approvals.CreateApprovalRequest(ctx, runID, threadID, cpID, e.opts.Source, step.Gate.Operation)
	if err != nil {
		return false, e.failRun(ctx, h, step.ID, err)
	}

	if req == nil {
		// Auto-approved.
		if err := e.commit(ctx, h, func(r *Run) {
			st := r.Steps[step.ID]
			st.Status = StepCompleted
			st.Result = map[string]any{"auto_approved": true}
		}); err != nil {
			return false, err
		}
		e.collector.RecordStep(def.Name, string(step.Kind), string(StepCompleted), 0)
		e.emit(EventStepFinished, runID, map[string]any{
			"step_id": step.ID,
			"status":  string(StepCompleted),
		})
		return false, nil
	}

	e.collector.RecordApprovalCreated(string(req.RiskLevel))
	if err := e.commit(ctx, h, func(r *Run) {
		r.Steps[step.ID].Status = StepRunning
		r.Pending = &PendingApproval{
			ApprovalID: req.ID,
			StepID:     step.ID,
			RiskLevel:  req.RiskLevel,
		}
		r.Status = StatusPaused
	}); err != nil {
		return false, err
	}

	e.collector.RecordRunPaused(def.Name, string(req.RiskLevel))
	e.emit(EventRunPaused, runID, map[string]any{
		"approval_id": req.ID,
		"step_id":     step.ID,
		"risk_level":  string(req.RiskLevel),
	})
	e.logger.Info("run paused awaiting approval",
		zap.String("run_id", runID),
		zap.String("approval_id", req.ID),
		zap.String("risk_level", string(req.RiskLevel)),
	)
	return true, nil
}

// failRun terminally fails the run, recording the failing step and the
// error taxonomy kind.
func (e *Engine) failRun(ctx context.Context, h *handle, stepID string, cause error) error {
	code := types.GetErrorCode(cause)
	if code == "" {
		code = types.ErrValidation
	}
	message := cause.Error()
	var typed *types.Error
	if errors.As(cause, &typed) {
		message = typed.Message
	}

	if err := e.commit(ctx, h, func(r *Run) {
		if stepID != "" {
			if st := r.Steps[stepID]; st != nil && st.Status != StepFailed {
				st.Status = StepFailed
				st.Error = message
				st.ErrorCode = code
			}
		}
		r.Pending = nil
		r.Status = StatusFailed
		r.Failure = &Failure{StepID: stepID, Code: code, Message: message}
	}); err != nil {
		return err
	}

	h.mu.Lock()
	workflow := h.run.Workflow
	duration := time.Since(h.run.CreatedAt)
	runID := h.run.ID
	h.mu.Unlock()

	e.collector.RecordRunFinished(workflow, string(StatusFailed), duration)
	e.emit(EventRunFailed, runID, map[string]any{
		"step_id": stepID,
		"code":    string(code),
		"message": message,
	})
	e.logger.Warn("run failed",
		zap.String("run_id", runID),
		zap.String("step_id", stepID),
		zap.String("code", string(code)),
		zap.String("message", message),
	)
	return nil
}

// commit applies a mutation and checkpoints the result. On a version
// conflict the latest checkpoint is reloaded and the mutation re-applied
// to the fresher state (idempotent re-derivation) before retrying, up to
// CheckpointRetries times, after which CONCURRENCY is surfaced.
func (e *Engine) commit(ctx context.Context, h *handle, mutate func(*Run)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for attempt := 0; ; attempt++ {
		mutate(h.run)
		h.run.UpdatedAt = time.Now()

		state, err := runToState(h.run)
		if err != nil {
			return err
		}

		cpID := h.run.checkpointID()
		if _, err := e.checkpoints.Save(ctx, h.run.ThreadID, cpID, h.run.LastCheckpointID, state, 0); err == nil {
			h.run.Seq++
			h.run.LastCheckpointID = cpID
			e.collector.RecordCheckpointWrite("ok")
			return nil
		} else if !types.IsCode(err, types.ErrVersionConflict) {
			e.collector.RecordCheckpointWrite("error")
			return err
		}

		e.collector.RecordCheckpointWrite("conflict")
		if attempt >= e.opts.CheckpointRetries {
			return types.NewErrorf(types.ErrConcurrency,
				"run %s: checkpoint conflict persisted after %d reloads", h.run.ID, attempt)
		}

		latest, lerr := e.checkpoints.Latest(ctx, h.run.ThreadID)
		if lerr != nil {
			return lerr
		}
		fresh, derr := runFromCheckpoint(latest)
		if derr != nil {
			return derr
		}
		e.logger.Debug("checkpoint conflict, re-deriving from latest",
			zap.String("run_id", h.run.ID),
			zap.String("latest_checkpoint", latest.CheckpointID),
		)
		h.run = fresh
	}
}

// loadHandle returns the in-memory handle for a run, recovering it from
// the latest checkpoint when the run is not resident (e.g. after restart).
func (e *Engine) loadHandle(ctx context.Context, runID string) (*handle, error) {
	e.mu.RLock()
	h, ok := e.runs[runID]
	e.mu.RUnlock()
	if ok {
		return h, nil
	}

	latest, err := e.checkpoints.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	run, err := runFromCheckpoint(latest)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.runs[runID]; ok {
		return existing, nil
	}
	h = &handle{run: run}
	e.runs[runID] = h
	return h, nil
}

func (e *Engine) snapshot(h *handle) *Run {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.run.clone()
}

func (e *Engine) emit(eventType bus.EventType, runID string, payload map[string]any) {
	if e.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["run_id"] = runID
	e.bus.Emit(eventType, payload, e.opts.Source)
}
