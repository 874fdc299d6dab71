package analysis

import (
	"github.com/pressroom/pressroom/pkg/core"
)

// Merge combines the deterministic and AI passes into one issue set.
//
// Rule findings come first and are never downgraded: blocking stays
// blocking whatever the AI thought of the same spot. An AI finding that
// lands on the same (region, category) as a rule finding corroborates it;
// the rule finding's origin becomes merged and it absorbs the AI fix hint
// when it had none. AI-only findings are appended non-blocking unless the
// manifest marks their category critical.
func Merge(ruleIssues, aiIssues []core.Issue, manifest *Manifest) []core.Issue {
	merged := make([]core.Issue, len(ruleIssues))
	copy(merged, ruleIssues)

	index := make(map[string]int, len(merged))
	for i, issue := range merged {
		index[overlapKey(issue)] = i
	}

	for _, ai := range aiIssues {
		if i, ok := index[overlapKey(ai)]; ok {
			merged[i].Origin = core.OriginMerged
			if merged[i].SuggestedFix == "" {
				merged[i].SuggestedFix = ai.SuggestedFix
			}
			if ai.Confidence > merged[i].Confidence {
				merged[i].Confidence = ai.Confidence
			}
			continue
		}

		ai.Origin = core.OriginAI
		ai.BlocksPublish = manifest.Critical(ai.Category)
		merged = append(merged, ai)
	}

	return merged
}

func overlapKey(issue core.Issue) string {
	return issue.Region + "\x00" + issue.Category
}

// Summarize builds the aggregate fields of an AnalysisResult from a merged
// issue set.
func Summarize(issues []core.Issue) (total, blocking int, origins map[core.IssueOrigin]int, passed bool) {
	origins = make(map[core.IssueOrigin]int)
	for _, issue := range issues {
		origins[issue.Origin]++
		if issue.BlocksPublish {
			blocking++
		}
	}
	return len(issues), blocking, origins, blocking == 0
}
