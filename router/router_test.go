package router

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductor/definition"
	"github.com/conductorhq/conductor/types"
)

// stubMatcher returns a canned semantic result and records invocations.
type stubMatcher struct {
	match  *SemanticMatch
	err    error
	called int
}

func (m *stubMatcher) Match(ctx context.Context, task string, taskCtx TaskContext, candidates []Candidate) (*SemanticMatch, error) {
	m.called++
	return m.match, m.err
}

func testCatalog(t *testing.T, names ...string) *definition.Catalog {
	t.Helper()
	defs := make([]*definition.Definition, 0, len(names))
	for _, name := range names {
		defs = append(defs, &definition.Definition{
			Name:        name,
			Description: "workflow " + name,
			Steps: []definition.Step{
				{ID: "work", Kind: definition.KindAgentCall, Agent: "worker"},
			},
		})
	}
	src, err := definition.NewStaticSource(defs...)
	require.NoError(t, err)
	return definition.NewCatalog(src, 0, nil)
}

func newRouter(t *testing.T, catalog *definition.Catalog, rules []Rule, matcher SemanticMatcher, opts Options) *Router {
	t.Helper()
	r, err := New(catalog, rules, matcher, opts, nil)
	require.NoError(t, err)
	return r
}

// ---------------------------------------------------------------------------
// Rule compilation
// ---------------------------------------------------------------------------

func TestNew_RejectsBadRules(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "feature")

	tests := []struct {
		name string
		rule Rule
	}{
		{"missing workflow", Rule{Name: "r"}},
		{"bias out of range", Rule{Name: "r", Workflow: "feature", Bias: 0.6}},
		{"bad branch regex", Rule{Name: "r", Workflow: "feature", BranchPattern: "("}},
		{"bad file regex", Rule{Name: "r", Workflow: "feature", FilePatterns: []string{"["}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(catalog, []Rule{tt.rule}, nil, Options{}, nil)
			require.Error(t, err)
			assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
		})
	}
}

// ---------------------------------------------------------------------------
// Routing stages
// ---------------------------------------------------------------------------

func TestRoute_ExplicitWins(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "feature", "hotfix")
	matcher := &stubMatcher{}
	r := newRouter(t, catalog, nil, matcher, Options{})

	d, err := r.Route(context.Background(), "anything at all", TaskContext{ExplicitWorkflow: "hotfix"})
	require.NoError(t, err)
	assert.Equal(t, "hotfix", d.WorkflowID)
	assert.Equal(t, 1.0, d.Confidence)
	assert.Equal(t, MethodExplicit, d.Method)
	assert.Equal(t, 0, matcher.called)
}

func TestRoute_ExplicitUnknownFallsThrough(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "feature")
	r := newRouter(t, catalog, nil, nil, Options{DefaultWorkflow: "feature"})

	d, err := r.Route(context.Background(), "task", TaskContext{ExplicitWorkflow: "no-such"})
	require.NoError(t, err)
	assert.Equal(t, "feature", d.WorkflowID)
	assert.Equal(t, MethodFallback, d.Method)
}

func TestRoute_ConfidentHeuristicSkipsMatcher(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "hotfix", "feature")
	matcher := &stubMatcher{match: &SemanticMatch{WorkflowID: "feature", Confidence: 0.9}}
	rules := []Rule{{
		Name:          "hotfix-signals",
		Workflow:      "hotfix",
		Keywords:      []string{"urgent", "fix"},
		BranchPattern: `^hotfix/`,
		FilePatterns:  []string{`\.go$`},
		Bias:          0.1,
	}}
	r := newRouter(t, catalog, rules, matcher, Options{})

	// All criteria hit: 0.3 + 0.25 + 0.2 + bias 0.1 = 0.85 >= 0.7.
	d, err := r.Route(context.Background(), "URGENT fix for the login bug", TaskContext{
		Branch: "hotfix/login",
		Files:  []string{"auth/login.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, "hotfix", d.WorkflowID)
	assert.Equal(t, MethodHeuristic, d.Method)
	assert.InDelta(t, 0.85, d.Confidence, 1e-9)
	assert.False(t, d.RequiresConfirmation)
	assert.Equal(t, 0, matcher.called, "matcher must not run above the threshold")
}

func TestRoute_ScoreFormula(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "feature")
	rules := []Rule{{
		Name:            "partial",
		Workflow:        "feature",
		Keywords:        []string{"add", "feature", "new", "build"},
		RequiredContext: []string{"ticket"},
	}}
	r := newRouter(t, catalog, rules, nil, Options{})

	// 2 of 4 keywords hit plus all context keys truthy:
	// 0.3*(2/4) + 0.15 = 0.30.
	d, err := r.Route(context.Background(), "add a new login page", TaskContext{
		Values: map[string]any{"ticket": "PROJ-42"},
	})
	require.NoError(t, err)
	assert.Equal(t, "feature", d.WorkflowID)
	assert.InDelta(t, 0.30, d.Confidence, 1e-9)
	assert.True(t, d.RequiresConfirmation, "below-threshold results need confirmation")
}

func TestRoute_ScoreClampedToOne(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "feature")
	rules := []Rule{{
		Name:            "everything",
		Workflow:        "feature",
		Keywords:        []string{"add"},
		BranchPattern:   `.`,
		FilePatterns:    []string{`.`},
		RequiredContext: []string{"ticket"},
		Bias:            0.5,
	}}
	r := newRouter(t, catalog, rules, nil, Options{})

	// 0.3 + 0.25 + 0.2 + 0.15 + 0.5 clamps to 1.0.
	d, err := r.Route(context.Background(), "add", TaskContext{
		Branch: "main",
		Files:  []string{"x"},
		Values: map[string]any{"ticket": true},
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, d.Confidence)
}

func TestRoute_NegativeBiasClampsToZero(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "feature", "fallback-flow")
	rules := []Rule{{
		Name:     "discouraged",
		Workflow: "feature",
		Keywords: []string{"misc"},
		Bias:     -0.5,
	}}
	r := newRouter(t, catalog, rules, nil, Options{DefaultWorkflow: "fallback-flow"})

	// 0.3 - 0.5 clamps to 0: no heuristic candidate, fallback applies.
	d, err := r.Route(context.Background(), "misc chores", TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, "fallback-flow", d.WorkflowID)
	assert.Equal(t, MethodFallback, d.Method)
}

func TestRoute_AgreementBonus(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "hotfix", "feature")
	matcher := &stubMatcher{match: &SemanticMatch{WorkflowID: "hotfix", Confidence: 0.8, Reasoning: "reads like an incident"}}
	rules := []Rule{{Name: "kw", Workflow: "hotfix", Keywords: []string{"outage"}}}
	r := newRouter(t, catalog, rules, matcher, Options{})

	// Heuristic 0.3, semantic 0.8: avg 0.55 + 0.15 bonus = 0.70.
	d, err := r.Route(context.Background(), "outage in production", TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, "hotfix", d.WorkflowID)
	assert.Equal(t, MethodHeuristic, d.Method)
	assert.InDelta(t, 0.70, d.Confidence, 1e-9)
	assert.False(t, d.RequiresConfirmation)
	assert.Contains(t, d.Reasoning, "reads like an incident")
}

func TestRoute_AgreementBonusCapped(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "hotfix")
	matcher := &stubMatcher{match: &SemanticMatch{WorkflowID: "hotfix", Confidence: 1.0}}
	rules := []Rule{{Name: "kw", Workflow: "hotfix", Keywords: []string{"outage"}, Bias: 0.35}}
	r := newRouter(t, catalog, rules, matcher, Options{})

	// Heuristic 0.65, semantic 1.0: avg 0.825 + 0.15 = 0.975; then a
	// higher semantic confidence would exceed 1.0 and must cap.
	d, err := r.Route(context.Background(), "outage", TaskContext{})
	require.NoError(t, err)
	assert.LessOrEqual(t, d.Confidence, 1.0)
	assert.InDelta(t, math.Min(1.0, (0.65+1.0)/2+0.15), d.Confidence, 1e-9)
}

func TestRoute_DisagreementPrefersHigherConfidence(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "hotfix", "feature")
	matcher := &stubMatcher{match: &SemanticMatch{WorkflowID: "feature", Confidence: 0.9, Reasoning: "new functionality"}}
	rules := []Rule{{Name: "kw", Workflow: "hotfix", Keywords: []string{"fix"}}}
	r := newRouter(t, catalog, rules, matcher, Options{})

	d, err := r.Route(context.Background(), "fix the settings page", TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, "feature", d.WorkflowID)
	assert.Equal(t, MethodSemantic, d.Method)
	assert.InDelta(t, 0.9, d.Confidence, 1e-9)

	// The losing heuristic is recorded as the first alternative.
	require.NotEmpty(t, d.Alternatives)
	assert.Equal(t, "hotfix", d.Alternatives[0].WorkflowID)
}

func TestRoute_DisagreementStrategyPreferHeuristic(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "hotfix", "feature")
	matcher := &stubMatcher{match: &SemanticMatch{WorkflowID: "feature", Confidence: 0.9}}
	rules := []Rule{{Name: "kw", Workflow: "hotfix", Keywords: []string{"fix"}}}
	r := newRouter(t, catalog, rules, matcher, Options{Strategy: StrategyPreferHeuristic})

	d, err := r.Route(context.Background(), "fix the settings page", TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, "hotfix", d.WorkflowID)
	assert.Equal(t, MethodHeuristic, d.Method)
	assert.True(t, d.RequiresConfirmation)
	require.NotEmpty(t, d.Alternatives)
	assert.Equal(t, "feature", d.Alternatives[0].WorkflowID)
}

func TestRoute_SemanticOnly(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "feature")
	matcher := &stubMatcher{match: &SemanticMatch{WorkflowID: "feature", Confidence: 0.8, Reasoning: "matched intent"}}
	r := newRouter(t, catalog, nil, matcher, Options{})

	d, err := r.Route(context.Background(), "completely novel request", TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, "feature", d.WorkflowID)
	assert.Equal(t, MethodSemantic, d.Method)
	assert.False(t, d.RequiresConfirmation)
}

func TestRoute_MatcherErrorDegradesToFallback(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "feature")
	matcher := &stubMatcher{err: errors.New("llm unavailable")}
	r := newRouter(t, catalog, nil, matcher, Options{DefaultWorkflow: "feature"})

	d, err := r.Route(context.Background(), "whatever", TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, "feature", d.WorkflowID)
	assert.Equal(t, MethodFallback, d.Method)
	assert.InDelta(t, 0.5, d.Confidence, 1e-9)
	assert.True(t, d.RequiresConfirmation)
}

func TestRoute_MatcherUnknownWorkflowDiscarded(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "feature")
	matcher := &stubMatcher{match: &SemanticMatch{WorkflowID: "phantom", Confidence: 0.99}}
	r := newRouter(t, catalog, nil, matcher, Options{DefaultWorkflow: "feature"})

	d, err := r.Route(context.Background(), "whatever", TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, "feature", d.WorkflowID, "router must never return an id absent from the catalog")
}

func TestRoute_FallbackToFirstCatalogEntry(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "zeta", "alpha")
	r := newRouter(t, catalog, nil, nil, Options{DefaultWorkflow: "gone"})

	d, err := r.Route(context.Background(), "nothing matches", TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, "alpha", d.WorkflowID)
	assert.InDelta(t, 0.3, d.Confidence, 1e-9)
	assert.Equal(t, MethodFallback, d.Method)
	assert.True(t, d.RequiresConfirmation)
}

func TestRoute_EmptyCatalog(t *testing.T) {
	t.Parallel()
	src, err := definition.NewStaticSource()
	require.NoError(t, err)
	catalog := definition.NewCatalog(src, 0, nil)
	r := newRouter(t, catalog, nil, nil, Options{})

	_, err = r.Route(context.Background(), "anything", TaskContext{})
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}

func TestRoute_AlternativesCappedAtThree(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "w1", "w2", "w3", "w4", "w5")
	rules := []Rule{
		{Name: "r1", Workflow: "w1", Keywords: []string{"task"}, Bias: 0.5},
		{Name: "r2", Workflow: "w2", Keywords: []string{"task"}, Bias: 0.4},
		{Name: "r3", Workflow: "w3", Keywords: []string{"task"}, Bias: 0.3},
		{Name: "r4", Workflow: "w4", Keywords: []string{"task"}, Bias: 0.2},
		{Name: "r5", Workflow: "w5", Keywords: []string{"task"}, Bias: 0.1},
	}
	r := newRouter(t, catalog, rules, nil, Options{})

	d, err := r.Route(context.Background(), "a task", TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, "w1", d.WorkflowID)
	assert.Len(t, d.Alternatives, 3)
}

func TestRoute_RuleForUnknownWorkflowIgnored(t *testing.T) {
	t.Parallel()
	catalog := testCatalog(t, "feature")
	rules := []Rule{{Name: "stale", Workflow: "removed-flow", Keywords: []string{"task"}, Bias: 0.5}}
	r := newRouter(t, catalog, rules, nil, Options{DefaultWorkflow: "feature"})

	d, err := r.Route(context.Background(), "a task", TaskContext{})
	require.NoError(t, err)
	assert.Equal(t, "feature", d.WorkflowID)
	assert.Equal(t, MethodFallback, d.Method)
}
