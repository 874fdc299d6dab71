package analysis

import (
	"context"
	"fmt"
	"sort"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/pressroom/pressroom/pkg/core"
)

// builtinRules is the Rego module backing the deterministic pass. Each deny
// result carries a rule_id that must resolve through the manifest; grading
// (severity, blocking) lives in the manifest, not in Rego.
const builtinRules = `package pressroom.rules

import rego.v1

deny contains f if {
	trim_space(object.get(input, "title", "")) == ""
	f := {
		"rule_id": "title-missing",
		"region": "title",
		"message": "unit has no title",
	}
}

deny contains f if {
	trim_space(object.get(input, "body", "")) == ""
	f := {
		"rule_id": "body-empty",
		"region": "body",
		"message": "unit body is empty",
	}
}

deny contains f if {
	body := trim_space(object.get(input, "body", ""))
	body != ""
	count(body) < 40
	f := {
		"rule_id": "body-too-short",
		"region": "body",
		"message": sprintf("body is only %d characters", [count(body)]),
	}
}

deny contains f if {
	some marker in ["TODO", "TBD", "lorem ipsum", "Lorem ipsum"]
	contains(object.get(input, "body", ""), marker)
	f := {
		"rule_id": "placeholder-text",
		"region": "body",
		"message": sprintf("draft placeholder %q found in body", [marker]),
		"suggested_fix": "remove the placeholder before publishing",
	}
}

deny contains f if {
	contains(object.get(input, "body", ""), "http://")
	f := {
		"rule_id": "insecure-link",
		"region": "body",
		"message": "body contains a plain http:// link",
		"suggested_fix": "use https:// links",
	}
}

deny contains f if {
	meta := object.get(input, "metadata", {})
	trim_space(object.get(meta, "author", "")) == ""
	f := {
		"rule_id": "author-missing",
		"region": "metadata.author",
		"message": "unit metadata has no author",
	}
}
`

// RuleEngine is the deterministic analysis pass: a prepared Rego query over
// the built-in rule module, graded through the manifest.
type RuleEngine struct {
	manifest *Manifest
	query    rego.PreparedEvalQuery
	logger   zerolog.Logger
}

// NewRuleEngine compiles the built-in rules and validates the manifest.
func NewRuleEngine(manifest *Manifest, logger zerolog.Logger) (*RuleEngine, error) {
	if manifest == nil {
		manifest = DefaultManifest()
	}
	if err := manifest.Validate(); err != nil {
		return nil, err
	}

	r := rego.New(
		rego.Module("pressroom/rules.rego", builtinRules),
		rego.Query("data.pressroom.rules.deny"),
	)
	query, err := r.PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rule query: %w", err)
	}

	return &RuleEngine{
		manifest: manifest,
		query:    query,
		logger:   logger.With().Str("component", "rule-engine").Logger(),
	}, nil
}

// Version identifies the rule set that this engine runs.
func (e *RuleEngine) Version() string {
	return e.manifest.Version
}

// Manifest returns the active rule manifest.
func (e *RuleEngine) Manifest() *Manifest {
	return e.manifest
}

// Evaluate runs the deterministic pass. Malformed input or an evaluation
// error never fails the pass: it yields zero issues plus a warning, in
// keeping with the rule engine being a filter rather than a gate on its
// own machinery.
func (e *RuleEngine) Evaluate(ctx context.Context, title, body string, metadata map[string]interface{}) ([]core.Issue, []string) {
	input := map[string]interface{}{
		"title":    title,
		"body":     body,
		"metadata": metadata,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		e.logger.Warn().Err(err).Msg("Rule evaluation failed")
		return nil, []string{fmt.Sprintf("rule evaluation failed: %v", err)}
	}

	var issues []core.Issue
	var warnings []string
	seen := make(map[string]bool)

	for _, result := range results {
		for _, expr := range result.Expressions {
			findings, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, raw := range findings {
				issue, warn := e.toIssue(raw)
				if warn != "" {
					warnings = append(warnings, warn)
					continue
				}
				key := issue.RuleID + "\x00" + issue.Region
				if seen[key] {
					continue
				}
				seen[key] = true
				issues = append(issues, issue)
			}
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		if issues[i].RuleID != issues[j].RuleID {
			return issues[i].RuleID < issues[j].RuleID
		}
		return issues[i].Region < issues[j].Region
	})

	return issues, warnings
}

// toIssue grades one raw Rego finding through the manifest.
func (e *RuleEngine) toIssue(raw interface{}) (core.Issue, string) {
	finding, ok := raw.(map[string]interface{})
	if !ok {
		return core.Issue{}, fmt.Sprintf("unexpected finding shape %T", raw)
	}

	ruleID, _ := finding["rule_id"].(string)
	spec, ok := e.manifest.Rule(ruleID)
	if !ok {
		return core.Issue{}, fmt.Sprintf("finding references unknown rule %q", ruleID)
	}

	issue := core.Issue{
		RuleID:        spec.ID,
		Category:      spec.Category,
		Severity:      spec.Severity,
		Confidence:    1.0,
		Origin:        core.OriginRule,
		BlocksPublish: spec.BlocksPublish,
	}
	if region, ok := finding["region"].(string); ok {
		issue.Region = region
	}
	if msg, ok := finding["message"].(string); ok {
		issue.Message = msg
	}
	if fix, ok := finding["suggested_fix"].(string); ok {
		issue.SuggestedFix = fix
	}
	return issue, ""
}
