package router

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/conductorhq/conductor/definition"
	"github.com/conductorhq/conductor/types"
)

// Method records how a routing decision was reached.
type Method string

const (
	// MethodExplicit means the caller named the workflow directly.
	MethodExplicit Method = "explicit"
	// MethodHeuristic means rule scoring selected the workflow (possibly
	// confirmed by the semantic matcher).
	MethodHeuristic Method = "heuristic"
	// MethodSemantic means the semantic matcher alone selected the workflow.
	MethodSemantic Method = "semantic"
	// MethodFallback means neither heuristics nor the matcher produced a
	// candidate and a default was used.
	MethodFallback Method = "fallback"
)

// Strategy resolves heuristic/semantic disagreement.
type Strategy string

const (
	// StrategyPreferHigher keeps whichever result carries the higher
	// confidence. The default.
	StrategyPreferHigher Strategy = "prefer-higher"
	// StrategyPreferHeuristic always keeps the rule-based result.
	StrategyPreferHeuristic Strategy = "prefer-heuristic"
	// StrategyPreferSemantic always keeps the matcher's result.
	StrategyPreferSemantic Strategy = "prefer-semantic"
)

// Scoring weights and bonuses for heuristic rules.
const (
	keywordWeight  = 0.3
	branchWeight   = 0.25
	fileWeight     = 0.2
	contextWeight  = 0.15
	agreementBonus = 0.15

	// DefaultThreshold is the confidence above which a heuristic result is
	// returned without consulting the semantic matcher.
	DefaultThreshold = 0.7

	fallbackConfidence   = 0.5
	lastResortConfidence = 0.3

	maxAlternatives = 3
)

// TaskContext carries the routing signals extracted from the caller's
// request.
type TaskContext struct {
	// ExplicitWorkflow short-circuits routing when it names a catalog entry.
	ExplicitWorkflow string
	// Branch is the VCS branch the task relates to, if any.
	Branch string
	// Files are paths the task touches, if known.
	Files []string
	// Values holds arbitrary context keys consulted by rules.
	Values map[string]any
}

// Candidate is a workflow offered to the semantic matcher.
type Candidate struct {
	WorkflowID  string `json:"workflow_id"`
	Description string `json:"description"`
}

// SemanticMatch is the matcher's answer: a candidate plus its confidence
// and free-text reasoning.
type SemanticMatch struct {
	WorkflowID string
	Confidence float64
	Reasoning  string
}

// SemanticMatcher is the external collaborator consulted when heuristics
// are inconclusive. A (nil, nil) return means no result.
type SemanticMatcher interface {
	Match(ctx context.Context, taskDescription string, taskCtx TaskContext, candidates []Candidate) (*SemanticMatch, error)
}

// Alternative is a runner-up the caller may want to offer for confirmation.
type Alternative struct {
	WorkflowID string  `json:"workflow_id"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning,omitempty"`
}

// Decision is the routing outcome.
type Decision struct {
	WorkflowID           string        `json:"workflow_id"`
	Confidence           float64       `json:"confidence"`
	Method               Method        `json:"method"`
	Reasoning            string        `json:"reasoning"`
	Alternatives         []Alternative `json:"alternatives,omitempty"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
}

// Options configure a Router.
type Options struct {
	// Threshold above which a heuristic score skips the semantic matcher.
	// Zero means DefaultThreshold.
	Threshold float64
	// DefaultWorkflow is returned when nothing matches. May be empty.
	DefaultWorkflow string
	// Strategy resolves heuristic/semantic disagreement. Empty means
	// StrategyPreferHigher.
	Strategy Strategy
}

// Router selects a workflow definition for a task description. Selection
// is pure: no state is mutated and the same inputs yield the same
// decision (modulo catalog refreshes).
type Router struct {
	catalog   *definition.Catalog
	rules     []*compiledRule
	matcher   SemanticMatcher
	threshold float64
	fallback  string
	strategy  Strategy
	logger    *zap.Logger
}

// New compiles the rule set and builds a router. Invalid rule patterns
// fail here, not at route time. matcher may be nil to disable semantic
// matching.
func New(catalog *definition.Catalog, rules []Rule, matcher SemanticMatcher, opts Options, logger *zap.Logger) (*Router, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	compiled := make([]*compiledRule, 0, len(rules))
	for i := range rules {
		cr, err := rules[i].compile()
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cr)
	}
	// Higher priority rules score first so equal-score ties resolve in
	// priority order.
	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].rule.Priority > compiled[j].rule.Priority
	})

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyPreferHigher
	}

	return &Router{
		catalog:   catalog,
		rules:     compiled,
		matcher:   matcher,
		threshold: threshold,
		fallback:  opts.DefaultWorkflow,
		strategy:  strategy,
		logger:    logger.With(zap.String("component", "router")),
	}, nil
}

// Route selects a workflow for the task. The returned workflow id always
// exists in the catalog at decision time.
func (r *Router) Route(ctx context.Context, taskDescription string, taskCtx TaskContext) (*Decision, error) {
	known, err := r.knownWorkflows(ctx)
	if err != nil {
		return nil, err
	}
	if len(known) == 0 {
		return nil, types.NewError(types.ErrNotFound, "workflow catalog is empty")
	}

	// Step 1: explicit selection wins outright.
	if id := taskCtx.ExplicitWorkflow; id != "" {
		if _, ok := known[id]; ok {
			return &Decision{
				WorkflowID: id,
				Confidence: 1.0,
				Method:     MethodExplicit,
				Reasoning:  "workflow named explicitly by caller",
			}, nil
		}
		r.logger.Warn("explicit workflow not in catalog, falling through to scoring",
			zap.String("workflow", id))
	}

	// Step 2: heuristic rule scoring.
	heuristic, alternatives := r.scoreRules(taskDescription, taskCtx, known)

	// Step 3: a confident heuristic skips the matcher.
	if heuristic != nil && heuristic.Confidence >= r.threshold {
		heuristic.Alternatives = alternatives
		return heuristic, nil
	}

	// Step 4: consult the semantic matcher.
	semantic := r.semanticMatch(ctx, taskDescription, taskCtx, known)

	// Steps 5-6: combine whatever we have.
	if decision := r.combine(heuristic, semantic, alternatives); decision != nil {
		return decision, nil
	}

	// Step 7: fallbacks.
	return r.fallbackDecision(known), nil
}

func (r *Router) knownWorkflows(ctx context.Context) (map[string]*definition.Definition, error) {
	defs, err := r.catalog.List(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]*definition.Definition, len(defs))
	for _, def := range defs {
		known[def.Name] = def
	}
	return known, nil
}

// scoreRules evaluates every rule, groups scores by target workflow
// keeping the max per workflow, and returns the winner plus up to three
// runner-ups. Rules targeting workflows absent from the catalog never
// produce a candidate.
func (r *Router) scoreRules(taskDescription string, taskCtx TaskContext, known map[string]*definition.Definition) (*Decision, []Alternative) {
	type scored struct {
		score   float64
		matched []string
	}
	best := make(map[string]scored)
	var order []string

	task := strings.ToLower(taskDescription)
	for _, cr := range r.rules {
		if _, ok := known[cr.rule.Workflow]; !ok {
			continue
		}
		score, matched := cr.score(task, taskCtx)
		if score <= 0 {
			continue
		}
		prev, seen := best[cr.rule.Workflow]
		if !seen {
			order = append(order, cr.rule.Workflow)
		}
		if !seen || score > prev.score {
			best[cr.rule.Workflow] = scored{score: score, matched: matched}
		}
	}
	if len(best) == 0 {
		return nil, nil
	}

	// Stable ranking: score descending, rule priority order for ties.
	sort.SliceStable(order, func(i, j int) bool {
		return best[order[i]].score > best[order[j]].score
	})

	winner := order[0]
	decision := &Decision{
		WorkflowID: winner,
		Confidence: best[winner].score,
		Method:     MethodHeuristic,
		Reasoning:  fmt.Sprintf("matched %s", strings.Join(best[winner].matched, ", ")),
	}

	var alternatives []Alternative
	for _, id := range order[1:] {
		if len(alternatives) == maxAlternatives {
			break
		}
		alternatives = append(alternatives, Alternative{
			WorkflowID: id,
			Confidence: best[id].score,
			Reasoning:  fmt.Sprintf("matched %s", strings.Join(best[id].matched, ", ")),
		})
	}
	return decision, alternatives
}

// semanticMatch consults the matcher; errors and out-of-catalog answers
// degrade to "no result".
func (r *Router) semanticMatch(ctx context.Context, taskDescription string, taskCtx TaskContext, known map[string]*definition.Definition) *SemanticMatch {
	if r.matcher == nil {
		return nil
	}
	candidates := make([]Candidate, 0, len(known))
	for _, def := range known {
		candidates = append(candidates, Candidate{WorkflowID: def.Name, Description: def.Description})
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].WorkflowID < candidates[j].WorkflowID })

	match, err := r.matcher.Match(ctx, taskDescription, taskCtx, candidates)
	if err != nil {
		r.logger.Warn("semantic matcher failed, continuing without it", zap.Error(err))
		return nil
	}
	if match == nil {
		return nil
	}
	if _, ok := known[match.WorkflowID]; !ok {
		r.logger.Warn("semantic matcher proposed unknown workflow, discarding",
			zap.String("workflow", match.WorkflowID))
		return nil
	}
	return match
}

func (r *Router) combine(heuristic *Decision, semantic *SemanticMatch, alternatives []Alternative) *Decision {
	switch {
	case heuristic != nil && semantic != nil:
		if heuristic.WorkflowID == semantic.WorkflowID {
			// Agreement: average the confidences plus a bonus.
			heuristic.Confidence = math.Min(1.0,
				(heuristic.Confidence+semantic.Confidence)/2+agreementBonus)
			heuristic.Reasoning = fmt.Sprintf("%s; semantic matcher agrees: %s",
				heuristic.Reasoning, semantic.Reasoning)
			heuristic.Alternatives = alternatives
			heuristic.RequiresConfirmation = heuristic.Confidence < r.threshold
			return heuristic
		}

		// Disagreement: resolve per strategy, record the loser as an
		// alternative.
		keepHeuristic := true
		switch r.strategy {
		case StrategyPreferHeuristic:
		case StrategyPreferSemantic:
			keepHeuristic = false
		default:
			keepHeuristic = heuristic.Confidence >= semantic.Confidence
		}

		if keepHeuristic {
			heuristic.Alternatives = prependAlternative(alternatives, Alternative{
				WorkflowID: semantic.WorkflowID,
				Confidence: semantic.Confidence,
				Reasoning:  semantic.Reasoning,
			})
			heuristic.RequiresConfirmation = heuristic.Confidence < r.threshold
			return heuristic
		}
		return &Decision{
			WorkflowID: semantic.WorkflowID,
			Confidence: semantic.Confidence,
			Method:     MethodSemantic,
			Reasoning:  semantic.Reasoning,
			Alternatives: prependAlternative(alternatives, Alternative{
				WorkflowID: heuristic.WorkflowID,
				Confidence: heuristic.Confidence,
				Reasoning:  heuristic.Reasoning,
			}),
			RequiresConfirmation: semantic.Confidence < r.threshold,
		}

	case heuristic != nil:
		heuristic.Alternatives = alternatives
		heuristic.RequiresConfirmation = heuristic.Confidence < r.threshold
		return heuristic

	case semantic != nil:
		return &Decision{
			WorkflowID:           semantic.WorkflowID,
			Confidence:           semantic.Confidence,
			Method:               MethodSemantic,
			Reasoning:            semantic.Reasoning,
			RequiresConfirmation: semantic.Confidence < r.threshold,
		}
	}
	return nil
}

func (r *Router) fallbackDecision(known map[string]*definition.Definition) *Decision {
	if r.fallback != "" {
		if _, ok := known[r.fallback]; ok {
			return &Decision{
				WorkflowID:           r.fallback,
				Confidence:           fallbackConfidence,
				Method:               MethodFallback,
				Reasoning:            "no rule or semantic match; using configured default",
				RequiresConfirmation: true,
			}
		}
	}

	// Last resort: the first catalog entry by name.
	names := make([]string, 0, len(known))
	for name := range known {
		names = append(names, name)
	}
	sort.Strings(names)
	return &Decision{
		WorkflowID:           names[0],
		Confidence:           lastResortConfidence,
		Method:               MethodFallback,
		Reasoning:            "no rule or semantic match and no default configured; using first catalog entry",
		RequiresConfirmation: true,
	}
}

func prependAlternative(alternatives []Alternative, alt Alternative) []Alternative {
	out := append([]Alternative{alt}, alternatives...)
	if len(out) > maxAlternatives {
		out = out[:maxAlternatives]
	}
	return out
}
