package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/pressroom/pressroom/pkg/core"
)

// AIAnalyzer is the second analysis pass. Implementations must return
// findings only, never mutate stored state.
type AIAnalyzer interface {
	// ModelID identifies the model that produced the findings.
	ModelID() string

	// Analyze inspects the content and returns zero or more findings.
	Analyze(ctx context.Context, title, body string) ([]core.Issue, error)
}

// LLMConfig configures the language-model analyzer.
type LLMConfig struct {
	// BaseURL points at an OpenAI-compatible completion endpoint.
	BaseURL string

	// APIKey authenticates against the endpoint.
	APIKey string

	// Model is the model identifier recorded on every result.
	Model string

	// BaseTimeout is the floor of the per-call deadline. Default 20s.
	BaseTimeout time.Duration

	// TimeoutPerKB scales the deadline with content length. Default 500ms.
	TimeoutPerKB time.Duration

	// MaxTimeout caps the scaled deadline. Default 2m.
	MaxTimeout time.Duration
}

func (c LLMConfig) withDefaults() LLMConfig {
	if c.BaseTimeout <= 0 {
		c.BaseTimeout = 20 * time.Second
	}
	if c.TimeoutPerKB <= 0 {
		c.TimeoutPerKB = 500 * time.Millisecond
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 2 * time.Minute
	}
	return c
}

const analysisPrompt = `You are a content quality reviewer. Inspect the article below and report problems.

Respond with ONLY a JSON object of this exact shape, no prose:
{"issues": [{"category": "<one of: content, links, metadata, claims, legal, style>", "region": "<where in the content>", "severity": "<one of: info, warning, error, critical>", "confidence": <0.0-1.0>, "message": "<what is wrong>", "suggested_fix": "<optional remediation>"}]}

Return {"issues": []} when the article is clean.

Title: %s

Article:
"""
%s
"""`

// aiResponse is the strict response schema. Unknown fields are rejected.
type aiResponse struct {
	Issues []aiFinding `json:"issues"`
}

type aiFinding struct {
	Category     string  `json:"category"`
	Region       string  `json:"region"`
	Severity     string  `json:"severity"`
	Confidence   float64 `json:"confidence"`
	Message      string  `json:"message"`
	SuggestedFix string  `json:"suggested_fix"`
}

var validSeverities = map[string]core.Severity{
	"info":     core.SeverityInfo,
	"warning":  core.SeverityWarning,
	"error":    core.SeverityError,
	"critical": core.SeverityCritical,
}

// LLMAnalyzer implements AIAnalyzer on an OpenAI-compatible endpoint.
type LLMAnalyzer struct {
	cfg    LLMConfig
	llm    llms.Model
	logger zerolog.Logger
}

// NewLLMAnalyzer creates the language-model analyzer.
func NewLLMAnalyzer(cfg LLMConfig, logger zerolog.Logger) (*LLMAnalyzer, error) {
	cfg = cfg.withDefaults()

	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}

	return &LLMAnalyzer{
		cfg:    cfg,
		llm:    llm,
		logger: logger.With().Str("component", "ai-analyzer").Str("model", cfg.Model).Logger(),
	}, nil
}

// ModelID returns the configured model identifier.
func (a *LLMAnalyzer) ModelID() string {
	return a.cfg.Model
}

// timeoutFor scales the call deadline with content size.
func (a *LLMAnalyzer) timeoutFor(body string) time.Duration {
	kb := time.Duration(len(body) / 1024)
	d := a.cfg.BaseTimeout + kb*a.cfg.TimeoutPerKB
	if d > a.cfg.MaxTimeout {
		d = a.cfg.MaxTimeout
	}
	return d
}

// Analyze calls the model and validates its response against the strict
// schema. Any parse or schema violation is a permanent error; the caller
// must not persist a partial result.
func (a *LLMAnalyzer) Analyze(ctx context.Context, title, body string) ([]core.Issue, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeoutFor(body))
	defer cancel()

	start := time.Now()
	raw, err := llms.GenerateFromSinglePrompt(ctx, a.llm,
		fmt.Sprintf(analysisPrompt, title, body),
		llms.WithTemperature(0),
		llms.WithJSONMode(),
	)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, core.NewTransientError("model call timed out", err).
				WithCode(core.CodeAnalysisTimeout)
		}
		return nil, core.NewTransientError("model call failed", err).
			WithCode(core.CodeAnalysisTimeout)
	}

	issues, err := parseFindings(raw)
	if err != nil {
		return nil, err
	}

	a.logger.Debug().
		Int("findings", len(issues)).
		Dur("latency", time.Since(start)).
		Msg("AI pass complete")

	return issues, nil
}

// parseFindings decodes and validates the model response.
func parseFindings(raw string) ([]core.Issue, error) {
	dec := json.NewDecoder(strings.NewReader(strings.TrimSpace(raw)))
	dec.DisallowUnknownFields()

	var resp aiResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, schemaError(fmt.Sprintf("response is not valid JSON: %v", err), raw)
	}

	issues := make([]core.Issue, 0, len(resp.Issues))
	for i, f := range resp.Issues {
		sev, ok := validSeverities[f.Severity]
		if !ok {
			return nil, schemaError(fmt.Sprintf("finding %d has unknown severity %q", i, f.Severity), raw)
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			return nil, schemaError(fmt.Sprintf("finding %d has confidence %v outside [0,1]", i, f.Confidence), raw)
		}
		if strings.TrimSpace(f.Category) == "" || strings.TrimSpace(f.Message) == "" {
			return nil, schemaError(fmt.Sprintf("finding %d is missing category or message", i), raw)
		}

		issues = append(issues, core.Issue{
			RuleID:       fmt.Sprintf("ai-%s-%d", f.Category, i),
			Category:     f.Category,
			Region:       f.Region,
			Severity:     sev,
			Confidence:   f.Confidence,
			Origin:       core.OriginAI,
			Message:      f.Message,
			SuggestedFix: f.SuggestedFix,
		})
	}
	return issues, nil
}

func schemaError(msg, raw string) error {
	snippet := raw
	if len(snippet) > 500 {
		snippet = snippet[:500]
	}
	return core.NewPermanentError(msg, nil).
		WithCode(core.CodeAnalysisSchemaError).
		WithDetail("raw_response", snippet)
}
