package analysis

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pressroom/pressroom/pkg/core"
)

func testRuleEngine(t *testing.T) *RuleEngine {
	t.Helper()
	engine, err := NewRuleEngine(DefaultManifest(), zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create rule engine: %v", err)
	}
	return engine
}

func findIssue(issues []core.Issue, ruleID string) *core.Issue {
	for i := range issues {
		if issues[i].RuleID == ruleID {
			return &issues[i]
		}
	}
	return nil
}

const cleanBody = "This is a perfectly reasonable article body with enough " +
	"substance to clear the minimum length rule and no placeholders at all. " +
	"See https://example.com/more for details."

func TestRuleEngineCleanContent(t *testing.T) {
	engine := testRuleEngine(t)

	issues, warnings := engine.Evaluate(context.Background(),
		"A fine title", cleanBody, map[string]interface{}{"author": "jane"})
	if len(warnings) != 0 {
		t.Errorf("unexpected warnings: %v", warnings)
	}
	if len(issues) != 0 {
		t.Errorf("expected no issues for clean content, got %+v", issues)
	}
}

func TestRuleEngineFindings(t *testing.T) {
	engine := testRuleEngine(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		title    string
		body     string
		metadata map[string]interface{}
		ruleID   string
		blocking bool
	}{
		{
			name:     "missing title blocks",
			title:    "  ",
			body:     cleanBody,
			metadata: map[string]interface{}{"author": "jane"},
			ruleID:   "title-missing",
			blocking: true,
		},
		{
			name:     "empty body blocks",
			title:    "Title",
			body:     "",
			metadata: map[string]interface{}{"author": "jane"},
			ruleID:   "body-empty",
			blocking: true,
		},
		{
			name:     "short body warns",
			title:    "Title",
			body:     "too short",
			metadata: map[string]interface{}{"author": "jane"},
			ruleID:   "body-too-short",
			blocking: false,
		},
		{
			name:     "placeholder blocks",
			title:    "Title",
			body:     cleanBody + " TODO finish this section",
			metadata: map[string]interface{}{"author": "jane"},
			ruleID:   "placeholder-text",
			blocking: true,
		},
		{
			name:     "insecure link warns",
			title:    "Title",
			body:     strings.ReplaceAll(cleanBody, "https://", "http://"),
			metadata: map[string]interface{}{"author": "jane"},
			ruleID:   "insecure-link",
			blocking: false,
		},
		{
			name:     "missing author warns",
			title:    "Title",
			body:     cleanBody,
			metadata: nil,
			ruleID:   "author-missing",
			blocking: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues, _ := engine.Evaluate(ctx, tt.title, tt.body, tt.metadata)
			issue := findIssue(issues, tt.ruleID)
			if issue == nil {
				t.Fatalf("expected finding %s, got %+v", tt.ruleID, issues)
			}
			if issue.Origin != core.OriginRule {
				t.Errorf("origin = %s, want %s", issue.Origin, core.OriginRule)
			}
			if issue.BlocksPublish != tt.blocking {
				t.Errorf("blocks_publish = %v, want %v", issue.BlocksPublish, tt.blocking)
			}
			if issue.Confidence != 1.0 {
				t.Errorf("rule findings carry confidence 1.0, got %v", issue.Confidence)
			}
		})
	}
}

func TestRuleEngineDeterministicOrder(t *testing.T) {
	engine := testRuleEngine(t)
	ctx := context.Background()

	first, _ := engine.Evaluate(ctx, "", "TODO", nil)
	for i := 0; i < 5; i++ {
		again, _ := engine.Evaluate(ctx, "", "TODO", nil)
		if len(again) != len(first) {
			t.Fatalf("issue count changed between runs: %d vs %d", len(again), len(first))
		}
		for j := range again {
			if again[j].RuleID != first[j].RuleID {
				t.Fatalf("issue order changed between runs")
			}
		}
	}
}

func TestManifestValidation(t *testing.T) {
	if err := DefaultManifest().Validate(); err != nil {
		t.Fatalf("built-in manifest must validate: %v", err)
	}

	bad := DefaultManifest()
	bad.Version = "not-a-version"
	if err := bad.Validate(); err == nil {
		t.Error("expected version format rejection")
	}

	bad = DefaultManifest()
	bad.Rules[0].Severity = "fatal"
	if err := bad.Validate(); err == nil {
		t.Error("expected unknown severity rejection")
	}

	bad = DefaultManifest()
	bad.Rules[0].ID = "Has Spaces"
	if err := bad.Validate(); err == nil {
		t.Error("expected malformed rule id rejection")
	}
}

func TestRuleEngineRejectsInvalidManifest(t *testing.T) {
	m := DefaultManifest()
	m.Version = "bogus"
	if _, err := NewRuleEngine(m, zerolog.Nop()); err == nil {
		t.Fatal("expected constructor to reject invalid manifest")
	}
}
