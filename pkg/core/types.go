package core

import (
	"time"
)

// ContentUnit is the tracked item progressing through discovery, analysis,
// review, and publication.
type ContentUnit struct {
	// ID is the unique identifier for this unit.
	ID string `json:"id"`

	// Source is the name of the external source system the unit came from.
	Source string `json:"source"`

	// ExternalID is the source-native identifier. (Source, ExternalID) is
	// unique: re-discovery of the same item updates, never duplicates.
	ExternalID string `json:"external_id"`

	// Title is the content title as last seen from the source.
	Title string `json:"title"`

	// Body is the raw content body.
	Body string `json:"body"`

	// ContentHash is the source-reported hash of the body, used to detect
	// content changes between sync runs.
	ContentHash string `json:"content_hash"`

	// State is the current lifecycle state. Mutated only by StateMachine.
	State State `json:"state"`

	// DiscoveredAt is when sync first created this unit.
	DiscoveredAt time.Time `json:"discovered_at"`

	// LastProcessedAt is when the last lifecycle operation touched the unit.
	LastProcessedAt *time.Time `json:"last_processed_at,omitempty"`

	// SyncRetries counts per-item sync fetch/parse failures.
	SyncRetries int `json:"sync_retries"`

	// AnalysisRetries counts failed analysis passes.
	AnalysisRetries int `json:"analysis_retries"`

	// PublishRetries counts failed publish attempts.
	PublishRetries int `json:"publish_retries"`

	// LastError is the most recent error message recorded for this unit.
	LastError *string `json:"last_error,omitempty"`

	// Metadata is a free-form bag. Its schema is owned by collaborators.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the row was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the row was last written.
	UpdatedAt time.Time `json:"updated_at"`
}

// TransitionRecord is one row of the append-only audit trail: a single
// accepted state change of a ContentUnit.
type TransitionRecord struct {
	// ID is the monotonically increasing record id.
	ID int64 `json:"id"`

	// UnitID references the ContentUnit.
	UnitID string `json:"unit_id"`

	// FromState is the previous state. Nil for the creation record.
	FromState *State `json:"from_state,omitempty"`

	// ToState is the state after the transition.
	ToState State `json:"to_state"`

	// Actor is the component or human that requested the transition.
	Actor string `json:"actor"`

	// Reason is a human-readable explanation for the transition.
	Reason string `json:"reason"`

	// Context carries structured detail, e.g. raw errors on failures.
	Context map[string]interface{} `json:"context,omitempty"`

	// CreatedAt is when the transition committed.
	CreatedAt time.Time `json:"created_at"`
}

// IssueOrigin tags which analyzer produced an issue.
type IssueOrigin string

const (
	// OriginRule marks issues found by the deterministic rule engine.
	OriginRule IssueOrigin = "rule_engine"

	// OriginAI marks issues found only by the AI analyzer.
	OriginAI IssueOrigin = "ai"

	// OriginMerged marks AI issues that overlap a rule-engine finding.
	OriginMerged IssueOrigin = "merged"
)

// Severity grades an issue.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Issue is a single finding from an analysis pass.
type Issue struct {
	// RuleID identifies the rule (or AI finding slot) that produced this issue.
	RuleID string `json:"rule_id"`

	// Category groups related rules (e.g. "links", "metadata", "claims").
	Category string `json:"category"`

	// Region locates the finding within the content body.
	Region string `json:"region,omitempty"`

	Severity   Severity `json:"severity"`
	Confidence float64  `json:"confidence"`

	// Origin is who produced the issue after merging.
	Origin IssueOrigin `json:"origin"`

	// BlocksPublish marks issues that must be resolved before publication.
	BlocksPublish bool `json:"blocks_publish"`

	// Message is the human-readable finding.
	Message string `json:"message"`

	// SuggestedFix is an optional remediation hint.
	SuggestedFix string `json:"suggested_fix,omitempty"`
}

// AnalysisResult is the merged, immutable output of one analysis pass.
// Re-analysis produces a new result; earlier results are never overwritten.
type AnalysisResult struct {
	ID     string `json:"id"`
	UnitID string `json:"unit_id"`

	// Issues is the merged issue set, ordered rule-engine first.
	Issues []Issue `json:"issues"`

	TotalIssues    int                 `json:"total_issues"`
	BlockingIssues int                 `json:"blocking_issues"`
	OriginCounts   map[IssueOrigin]int `json:"origin_counts"`

	// RuleEngineVersion identifies the rule set that ran.
	RuleEngineVersion string `json:"rule_engine_version"`

	// ModelID identifies the AI model that ran.
	ModelID string `json:"model_id"`

	// Latency is the wall-clock duration of the whole pass.
	Latency time.Duration `json:"latency"`

	// Passed is false when any blocking issue remains.
	Passed bool `json:"passed"`

	CreatedAt time.Time `json:"created_at"`
}

// AttemptStatus is the execution status of a PublishAttempt.
type AttemptStatus string

const (
	AttemptPending   AttemptStatus = "pending"
	AttemptRunning   AttemptStatus = "running"
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
)

// StepResult is one entry of a publish attempt's ordered step log.
type StepResult struct {
	Step        string    `json:"step"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	OK          bool      `json:"ok"`

	// Error holds the step failure message when OK is false.
	Error string `json:"error,omitempty"`

	// Artifact is an optional reference produced by the step, e.g. a
	// screenshot captured by a browser-automation provider.
	Artifact string `json:"artifact,omitempty"`

	// Retried marks steps that succeeded only after the single internal retry.
	Retried bool `json:"retried,omitempty"`
}

// PublishAttempt is one execution try of the publish protocol against one
// provider. Attempt numbers per unit are contiguous starting at 1.
type PublishAttempt struct {
	ID       string `json:"id"`
	UnitID   string `json:"unit_id"`
	Provider string `json:"provider"`
	Number   int    `json:"number"`

	Status AttemptStatus `json:"status"`

	// Steps is the ordered step log, updated in place as steps execute.
	Steps []StepResult `json:"steps"`

	// PublishedURL is the resulting external URL on success.
	PublishedURL string `json:"published_url,omitempty"`

	// Cost is the provider-reported cost of this attempt.
	Cost float64 `json:"cost"`

	// FailureReason explains a failed attempt.
	FailureReason string `json:"failure_reason,omitempty"`

	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
