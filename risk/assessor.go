package risk

import (
	"strings"
	"time"
)

// Level classifies an operation's blast radius.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// rank orders levels for comparisons.
var rank = map[Level]int{
	LevelLow:      0,
	LevelMedium:   1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// AtLeast reports whether l is at or above other.
func (l Level) AtLeast(other Level) bool {
	return rank[l] >= rank[other]
}

// Role is an approver role. Ordering: developer < tech_lead < devops_engineer.
type Role string

const (
	RoleDeveloper      Role = "developer"
	RoleTechLead       Role = "tech_lead"
	RoleDevOpsEngineer Role = "devops_engineer"
)

var roleRank = map[Role]int{
	RoleDeveloper:      0,
	RoleTechLead:       1,
	RoleDevOpsEngineer: 2,
}

// Meets reports whether r meets or exceeds the required role. Unknown
// roles never qualify.
func (r Role) Meets(required Role) bool {
	have, ok := roleRank[r]
	if !ok {
		return false
	}
	return have >= roleRank[required]
}

// Finding is a security finding attached to an operation.
type Finding struct {
	ID       string `json:"id,omitempty"`
	Severity string `json:"severity"` // low, medium, high, critical
	Summary  string `json:"summary,omitempty"`
}

// Operation describes the action being risk-assessed.
type Operation struct {
	// Action is the verb: read, write, modify, deploy, delete, drop, export.
	Action string `json:"action"`
	// Environment the action targets: production, staging, shared,
	// development, sandbox.
	Environment string `json:"environment"`
	// Resource names what the action touches.
	Resource string `json:"resource,omitempty"`
	// SensitiveData marks operations acting on sensitive or PII data.
	SensitiveData bool `json:"sensitive_data,omitempty"`
	// SecurityFindings attached by upstream scanners.
	SecurityFindings []Finding `json:"security_findings,omitempty"`
	// Description is the human-readable summary surfaced to approvers.
	Description string `json:"description,omitempty"`
}

var destructiveActions = map[string]bool{
	"delete": true,
	"drop":   true,
	"export": true,
}

var writeActions = map[string]bool{
	"write":  true,
	"modify": true,
	"deploy": true,
	"create": true,
	"update": true,
	"delete": true,
	"drop":   true,
	"export": true,
}

// Assessor maps an operation to a risk level. Pure and deterministic:
// identical input always yields identical output. Rule evaluation is
// order-sensitive, highest severity first.
type Assessor struct {
	timeouts map[Level]time.Duration
}

// NewAssessor creates an assessor with default per-level approval timeouts.
func NewAssessor() *Assessor {
	return &Assessor{
		timeouts: map[Level]time.Duration{
			LevelLow:      15 * time.Minute,
			LevelMedium:   30 * time.Minute,
			LevelHigh:     60 * time.Minute,
			LevelCritical: 120 * time.Minute,
		},
	}
}

// Assess returns the risk level for an operation.
func (a *Assessor) Assess(op Operation) Level {
	action := strings.ToLower(strings.TrimSpace(op.Action))
	env := strings.ToLower(strings.TrimSpace(op.Environment))
	production := env == "production" || env == "prod"

	// Critical: destructive in production, or anything touching PII.
	if destructiveActions[action] && production {
		return LevelCritical
	}
	if op.SensitiveData {
		return LevelCritical
	}

	// High: severe findings, or production writes/deploys.
	for _, f := range op.SecurityFindings {
		switch strings.ToLower(f.Severity) {
		case "high", "critical":
			return LevelHigh
		}
	}
	if production && writeActions[action] {
		return LevelHigh
	}

	// Medium: non-production writes, or shared/staging resources.
	if writeActions[action] {
		return LevelMedium
	}
	if env == "staging" || env == "shared" {
		return LevelMedium
	}

	return LevelLow
}

// RequiresApproval returns false only for low risk.
func (a *Assessor) RequiresApproval(level Level) bool {
	return level != LevelLow
}

// Timeout returns the approval expiry window for a level. Windows increase
// monotonically with level.
func (a *Assessor) Timeout(level Level) time.Duration {
	if d, ok := a.timeouts[level]; ok {
		return d
	}
	return a.timeouts[LevelMedium]
}

// MinimumRole returns the least approver role allowed to approve a request
// at the given level: critical requires devops_engineer, high requires
// tech_lead, medium and low accept any authenticated role.
func MinimumRole(level Level) Role {
	switch level {
	case LevelCritical:
		return RoleDevOpsEngineer
	case LevelHigh:
		return RoleTechLead
	default:
		return RoleDeveloper
	}
}
