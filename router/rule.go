package router

import (
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/conductorhq/conductor/types"
)

// Rule maps task signals to a target workflow. Each signal contributes a
// fixed weight to the rule's score; the bias shifts the total up or down
// before clamping to [0,1].
type Rule struct {
	// Name identifies the rule in logs and reasoning strings.
	Name string `yaml:"name" json:"name"`
	// Workflow is the target workflow id.
	Workflow string `yaml:"workflow" json:"workflow"`
	// Keywords are matched case-insensitively against the task description.
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	// BranchPattern is an optional regex matched against the branch name.
	BranchPattern string `yaml:"branch_pattern,omitempty" json:"branch_pattern,omitempty"`
	// FilePatterns are optional regexes; any match against any file counts.
	FilePatterns []string `yaml:"file_patterns,omitempty" json:"file_patterns,omitempty"`
	// RequiredContext lists keys that must all be present and truthy.
	RequiredContext []string `yaml:"required_context,omitempty" json:"required_context,omitempty"`
	// Priority breaks ties between equal-scoring rules; higher wins.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`
	// Bias in [-0.5, 0.5] shifts the score before clamping.
	Bias float64 `yaml:"bias,omitempty" json:"bias,omitempty"`
}

// LoadRules reads a YAML list of rules from path. Compilation still
// happens in New, so a loaded rule set may fail there.
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewErrorf(types.ErrNotFound, "reading rules file %s", path).WithCause(err)
	}
	var rules []Rule
	if err := yaml.Unmarshal(data, &rules); err != nil {
		return nil, types.NewErrorf(types.ErrValidation, "parsing rules file %s", path).WithCause(err)
	}
	return rules, nil
}

type compiledRule struct {
	rule     Rule
	keywords []string
	branch   *regexp.Regexp
	files    []*regexp.Regexp
}

func (r Rule) compile() (*compiledRule, error) {
	if r.Workflow == "" {
		return nil, types.NewErrorf(types.ErrValidation, "rule %q has no target workflow", r.Name)
	}
	if r.Bias < -0.5 || r.Bias > 0.5 {
		return nil, types.NewErrorf(types.ErrValidation, "rule %q bias %v outside [-0.5, 0.5]", r.Name, r.Bias)
	}

	cr := &compiledRule{rule: r}
	for _, kw := range r.Keywords {
		cr.keywords = append(cr.keywords, strings.ToLower(kw))
	}
	if r.BranchPattern != "" {
		re, err := regexp.Compile(r.BranchPattern)
		if err != nil {
			return nil, types.NewErrorf(types.ErrValidation, "rule %q branch pattern", r.Name).WithCause(err)
		}
		cr.branch = re
	}
	for _, pat := range r.FilePatterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, types.NewErrorf(types.ErrValidation, "rule %q file pattern %q", r.Name, pat).WithCause(err)
		}
		cr.files = append(cr.files, re)
	}
	return cr, nil
}

// score computes the rule's score for a (lowercased) task description and
// context, and returns the list of criteria that matched.
func (cr *compiledRule) score(task string, taskCtx TaskContext) (float64, []string) {
	var score float64
	var matched []string

	if len(cr.keywords) > 0 {
		hits := 0
		for _, kw := range cr.keywords {
			if strings.Contains(task, kw) {
				hits++
			}
		}
		if hits > 0 {
			score += keywordWeight * float64(hits) / float64(len(cr.keywords))
			matched = append(matched, "keywords")
		}
	}

	if cr.branch != nil && taskCtx.Branch != "" && cr.branch.MatchString(taskCtx.Branch) {
		score += branchWeight
		matched = append(matched, "branch")
	}

	if len(cr.files) > 0 && anyFileMatches(cr.files, taskCtx.Files) {
		score += fileWeight
		matched = append(matched, "files")
	}

	if len(cr.rule.RequiredContext) > 0 && allContextTruthy(cr.rule.RequiredContext, taskCtx.Values) {
		score += contextWeight
		matched = append(matched, "context")
	}

	if len(matched) == 0 {
		return 0, nil
	}

	score += cr.rule.Bias
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, matched
}

func anyFileMatches(patterns []*regexp.Regexp, files []string) bool {
	for _, re := range patterns {
		for _, f := range files {
			if re.MatchString(f) {
				return true
			}
		}
	}
	return false
}

func allContextTruthy(keys []string, values map[string]any) bool {
	for _, key := range keys {
		v, ok := values[key]
		if !ok || !truthy(v) {
			return false
		}
	}
	return true
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case int:
		return x != 0
	case int64:
		return x != 0
	case float64:
		return x != 0
	default:
		return true
	}
}
