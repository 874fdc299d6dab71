// Package analysis runs the two-pass content analysis: a deterministic
// Rego rule engine and an AI analyzer, merged into one immutable
// AnalysisResult per pass. The rule engine's findings are authoritative;
// AI findings can corroborate or extend them but never downgrade a
// blocking rule finding.
package analysis
