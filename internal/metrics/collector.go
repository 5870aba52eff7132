package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector instruments the orchestration pipeline. All record methods are
// nil-safe so callers can run unmetered.
type Collector struct {
	// Run metrics
	runsStarted    *prometheus.CounterVec
	runsFinished   *prometheus.CounterVec
	runsPaused     *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	stepsExecuted  *prometheus.CounterVec
	stepDuration   *prometheus.HistogramVec
	agentDispatch  *prometheus.CounterVec
	dispatchTime   *prometheus.HistogramVec

	// Approval metrics
	approvalsCreated *prometheus.CounterVec
	approvalsDecided *prometheus.CounterVec

	// Resilience metrics
	breakerTransitions  *prometheus.CounterVec
	retryAttempts       *prometheus.CounterVec
	checkpointWrites    *prometheus.CounterVec
	checkpointConflicts prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers orchestration metrics on the given registerer.
// Pass prometheus.DefaultRegisterer for production wiring; tests use a
// fresh registry per collector.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.runsStarted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_started_total",
			Help:      "Total number of workflow runs started",
		},
		[]string{"workflow"},
	)

	c.runsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_finished_total",
			Help:      "Total number of workflow runs reaching a terminal state",
		},
		[]string{"workflow", "status"},
	)

	c.runsPaused = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_paused_total",
			Help:      "Total number of run suspensions awaiting approval",
		},
		[]string{"workflow", "risk_level"},
	)

	c.runDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock time from run start to terminal state",
			Buckets:   []float64{0.1, 0.5, 1, 5, 30, 60, 300, 1800, 7200},
		},
		[]string{"workflow", "status"},
	)

	c.stepsExecuted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_executed_total",
			Help:      "Total number of step executions by kind and outcome",
		},
		[]string{"workflow", "kind", "status"},
	)

	c.stepDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"workflow", "kind"},
	)

	c.agentDispatch = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_dispatches_total",
			Help:      "Total number of agent requests by target and response status",
		},
		[]string{"agent", "status"},
	)

	c.dispatchTime = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_dispatch_duration_seconds",
			Help:      "Agent request round-trip duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent"},
	)

	c.approvalsCreated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_created_total",
			Help:      "Total number of approval requests created",
		},
		[]string{"risk_level"},
	)

	c.approvalsDecided = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_decided_total",
			Help:      "Total number of approval requests reaching a terminal status",
		},
		[]string{"risk_level", "status"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"resource", "to_state"},
	)

	c.retryAttempts = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry attempts after transient failures",
		},
		[]string{"agent"},
	)

	c.checkpointWrites = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_writes_total",
			Help:      "Total number of checkpoint saves by outcome",
		},
		[]string{"outcome"},
	)

	c.checkpointConflicts = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_version_conflicts_total",
			Help:      "Total number of optimistic-lock conflicts on checkpoint writes",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordRunStarted counts a new run.
func (c *Collector) RecordRunStarted(workflow string) {
	if c == nil {
		return
	}
	c.runsStarted.WithLabelValues(workflow).Inc()
}

// RecordRunFinished counts a run reaching completed or failed.
func (c *Collector) RecordRunFinished(workflow, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.runsFinished.WithLabelValues(workflow, status).Inc()
	c.runDuration.WithLabelValues(workflow, status).Observe(duration.Seconds())
}

// RecordRunPaused counts a suspension at an approval gate.
func (c *Collector) RecordRunPaused(workflow, riskLevel string) {
	if c == nil {
		return
	}
	c.runsPaused.WithLabelValues(workflow, riskLevel).Inc()
}

// RecordStep counts one step execution.
func (c *Collector) RecordStep(workflow, kind, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepsExecuted.WithLabelValues(workflow, kind, status).Inc()
	c.stepDuration.WithLabelValues(workflow, kind).Observe(duration.Seconds())
}

// RecordDispatch counts one agent request round trip.
func (c *Collector) RecordDispatch(agent, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.agentDispatch.WithLabelValues(agent, status).Inc()
	c.dispatchTime.WithLabelValues(agent).Observe(duration.Seconds())
}

// RecordRetry counts one retry attempt against an agent.
func (c *Collector) RecordRetry(agent string) {
	if c == nil {
		return
	}
	c.retryAttempts.WithLabelValues(agent).Inc()
}

// RecordApprovalCreated counts a new approval request.
func (c *Collector) RecordApprovalCreated(riskLevel string) {
	if c == nil {
		return
	}
	c.approvalsCreated.WithLabelValues(riskLevel).Inc()
}

// RecordApprovalDecided counts a terminal approval decision.
func (c *Collector) RecordApprovalDecided(riskLevel, status string) {
	if c == nil {
		return
	}
	c.approvalsDecided.WithLabelValues(riskLevel, status).Inc()
}

// RecordBreakerTransition counts a circuit state change.
func (c *Collector) RecordBreakerTransition(resource, toState string) {
	if c == nil {
		return
	}
	c.breakerTransitions.WithLabelValues(resource, toState).Inc()
}

// RecordCheckpointWrite counts a checkpoint save outcome ("ok", "conflict",
// or "error").
func (c *Collector) RecordCheckpointWrite(outcome string) {
	if c == nil {
		return
	}
	c.checkpointWrites.WithLabelValues(outcome).Inc()
	if outcome == "conflict" {
		c.checkpointConflicts.Inc()
	}
}
