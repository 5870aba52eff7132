package definition

import (
	"fmt"
	"time"

	"github.com/conductorhq/conductor/risk"
	"github.com/conductorhq/conductor/types"
)

// StepKind selects how the engine executes a step.
type StepKind string

const (
	// KindAgentCall dispatches the step to a worker agent over the bus.
	KindAgentCall StepKind = "agent-call"
	// KindConditional skips or passes the step based on run context.
	KindConditional StepKind = "conditional"
	// KindApprovalGate suspends the run pending a human decision when the
	// gated operation assesses above low risk.
	KindApprovalGate StepKind = "approval-gate"
)

// Definition is an immutable, declarative workflow: an ordered list of
// steps with dependencies. Loaded from YAML or JSON and validated before
// any execution.
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []Step `yaml:"steps" json:"steps"`
}

// Step is one unit of work in a workflow definition.
type Step struct {
	ID        string         `yaml:"id" json:"id"`
	Agent     string         `yaml:"agent,omitempty" json:"agent,omitempty"`
	Kind      StepKind       `yaml:"kind" json:"kind"`
	DependsOn []string       `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Params    map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Typed parameters, resolved from Params at load time so malformed
	// definitions fail fast instead of at dispatch.
	AgentCall   *AgentCallParams   `yaml:"-" json:"-"`
	Gate        *GateParams        `yaml:"-" json:"-"`
	Conditional *ConditionalParams `yaml:"-" json:"-"`
}

// AgentCallParams configures an agent-call step.
type AgentCallParams struct {
	RequestType string
	Timeout     time.Duration
	Payload     map[string]any
}

// GateParams configures an approval-gate step.
type GateParams struct {
	Operation risk.Operation
}

// ConditionalParams configures a conditional step: the step completes when
// the run context value at Key equals Equals, and is skipped otherwise.
type ConditionalParams struct {
	Key    string
	Equals any
}

// Validate checks structural invariants and resolves typed step
// parameters. Duplicate step ids and dependencies referencing undeclared
// or forward steps are rejected; so are unknown kinds and malformed
// parameter maps.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return types.NewError(types.ErrValidation, "workflow definition requires a name")
	}
	if len(d.Steps) == 0 {
		return types.NewErrorf(types.ErrValidation, "workflow %s has no steps", d.Name)
	}

	declared := make(map[string]bool, len(d.Steps))
	for i := range d.Steps {
		step := &d.Steps[i]

		if step.ID == "" {
			return types.NewErrorf(types.ErrValidation, "workflow %s: step %d has no id", d.Name, i)
		}
		if declared[step.ID] {
			return types.NewErrorf(types.ErrValidation, "workflow %s: duplicate step id %q", d.Name, step.ID)
		}

		for _, dep := range step.DependsOn {
			// Earlier-declared steps only: forward and cyclic references
			// are both caught here.
			if !declared[dep] {
				return types.NewErrorf(types.ErrValidation,
					"workflow %s: step %q depends on %q, which is not declared earlier", d.Name, step.ID, dep)
			}
		}

		if err := step.resolveParams(); err != nil {
			return types.NewErrorf(types.ErrValidation, "workflow %s: step %q: %v", d.Name, step.ID, err)
		}

		declared[step.ID] = true
	}
	return nil
}

// Step lookup by id; nil when absent.
func (d *Definition) Step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

func (s *Step) resolveParams() error {
	switch s.Kind {
	case KindAgentCall:
		if s.Agent == "" {
			return fmt.Errorf("agent-call step requires a target agent")
		}
		p := &AgentCallParams{
			RequestType: stringParam(s.Params, "request_type"),
			Payload:     mapParam(s.Params, "payload"),
		}
		if p.RequestType == "" {
			p.RequestType = "execute"
		}
		if secs := intParam(s.Params, "timeout_seconds"); secs > 0 {
			p.Timeout = time.Duration(secs) * time.Second
		}
		s.AgentCall = p

	case KindApprovalGate:
		op := risk.Operation{
			Action:        stringParam(s.Params, "action"),
			Environment:   stringParam(s.Params, "environment"),
			Resource:      stringParam(s.Params, "resource"),
			SensitiveData: boolParam(s.Params, "sensitive_data"),
			Description:   stringParam(s.Params, "description"),
		}
		if op.Action == "" {
			return fmt.Errorf("approval-gate step requires an action param")
		}
		s.Gate = &GateParams{Operation: op}

	case KindConditional:
		key := stringParam(s.Params, "key")
		if key == "" {
			return fmt.Errorf("conditional step requires a key param")
		}
		s.Conditional = &ConditionalParams{Key: key, Equals: s.Params["equals"]}

	default:
		return fmt.Errorf("unknown step kind %q", s.Kind)
	}
	return nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func boolParam(params map[string]any, key string) bool {
	if v, ok := params[key].(bool); ok {
		return v
	}
	return false
}

func intParam(params map[string]any, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func mapParam(params map[string]any, key string) map[string]any {
	if v, ok := params[key].(map[string]any); ok {
		return v
	}
	return nil
}
