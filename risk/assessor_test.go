package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestAssessor_Assess(t *testing.T) {
	t.Parallel()
	a := NewAssessor()

	tests := []struct {
		name string
		op   Operation
		want Level
	}{
		{"destructive in production", Operation{Action: "delete", Environment: "production"}, LevelCritical},
		{"drop in prod alias", Operation{Action: "drop", Environment: "prod"}, LevelCritical},
		{"export in production", Operation{Action: "export", Environment: "production"}, LevelCritical},
		{"pii anywhere", Operation{Action: "read", Environment: "development", SensitiveData: true}, LevelCritical},
		{"high severity finding", Operation{
			Action: "write", Environment: "staging",
			SecurityFindings: []Finding{{Severity: "high"}},
		}, LevelHigh},
		{"critical finding outranks medium write", Operation{
			Action: "modify", Environment: "development",
			SecurityFindings: []Finding{{Severity: "critical"}},
		}, LevelHigh},
		{"production deploy", Operation{Action: "deploy", Environment: "production"}, LevelHigh},
		{"production write", Operation{Action: "write", Environment: "production"}, LevelHigh},
		{"staging deploy", Operation{Action: "deploy", Environment: "staging"}, LevelMedium},
		{"dev write", Operation{Action: "write", Environment: "development"}, LevelMedium},
		{"staging read", Operation{Action: "read", Environment: "staging"}, LevelMedium},
		{"shared read", Operation{Action: "read", Environment: "shared"}, LevelMedium},
		{"dev read", Operation{Action: "read", Environment: "development"}, LevelLow},
		{"sandbox read", Operation{Action: "read", Environment: "sandbox"}, LevelLow},
		{"low severity finding stays low", Operation{
			Action: "read", Environment: "sandbox",
			SecurityFindings: []Finding{{Severity: "low"}},
		}, LevelLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Assess(tt.op))
		})
	}
}

// Assess is referentially transparent: the same operation always maps to
// the same level, and critical always requires approval.
func TestAssessor_Assess_Pure(t *testing.T) {
	t.Parallel()
	a := NewAssessor()

	actions := []string{"read", "write", "modify", "deploy", "delete", "drop", "export"}
	envs := []string{"production", "staging", "shared", "development", "sandbox"}
	severities := []string{"", "low", "medium", "high", "critical"}

	rapid.Check(t, func(rt *rapid.T) {
		op := Operation{
			Action:        rapid.SampledFrom(actions).Draw(rt, "action"),
			Environment:   rapid.SampledFrom(envs).Draw(rt, "env"),
			SensitiveData: rapid.Bool().Draw(rt, "pii"),
		}
		if sev := rapid.SampledFrom(severities).Draw(rt, "severity"); sev != "" {
			op.SecurityFindings = []Finding{{Severity: sev}}
		}

		first := a.Assess(op)
		for i := 0; i < 3; i++ {
			if got := a.Assess(op); got != first {
				rt.Fatalf("Assess not pure: %v then %v for %+v", first, got, op)
			}
		}
		if first == LevelCritical && !a.RequiresApproval(first) {
			rt.Fatalf("critical must require approval")
		}
	})
}

func TestAssessor_RequiresApproval(t *testing.T) {
	t.Parallel()
	a := NewAssessor()
	assert.False(t, a.RequiresApproval(LevelLow))
	assert.True(t, a.RequiresApproval(LevelMedium))
	assert.True(t, a.RequiresApproval(LevelHigh))
	assert.True(t, a.RequiresApproval(LevelCritical))
}

func TestAssessor_Timeout_Monotonic(t *testing.T) {
	t.Parallel()
	a := NewAssessor()
	levels := []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}

	var prev time.Duration
	for _, l := range levels {
		d := a.Timeout(l)
		assert.Greater(t, d, prev, "timeout for %s must exceed %v", l, prev)
		prev = d
	}
}

func TestMinimumRole(t *testing.T) {
	t.Parallel()
	assert.Equal(t, RoleDevOpsEngineer, MinimumRole(LevelCritical))
	assert.Equal(t, RoleTechLead, MinimumRole(LevelHigh))
	assert.Equal(t, RoleDeveloper, MinimumRole(LevelMedium))
	assert.Equal(t, RoleDeveloper, MinimumRole(LevelLow))
}

func TestRole_Meets(t *testing.T) {
	t.Parallel()
	assert.True(t, RoleDevOpsEngineer.Meets(RoleDevOpsEngineer))
	assert.True(t, RoleDevOpsEngineer.Meets(RoleDeveloper))
	assert.True(t, RoleTechLead.Meets(RoleTechLead))
	assert.False(t, RoleTechLead.Meets(RoleDevOpsEngineer))
	assert.False(t, RoleDeveloper.Meets(RoleTechLead))
	assert.False(t, Role("intern").Meets(RoleDeveloper))
}

func TestLevel_AtLeast(t *testing.T) {
	t.Parallel()
	assert.True(t, LevelCritical.AtLeast(LevelHigh))
	assert.True(t, LevelMedium.AtLeast(LevelMedium))
	assert.False(t, LevelLow.AtLeast(LevelMedium))
}
