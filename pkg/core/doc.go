// Package core defines the content lifecycle: the closed state set with its
// transition table, the domain types that move through it (ContentUnit,
// TransitionRecord, AnalysisResult, PublishAttempt), classified workflow
// errors, and the StateMachine that is the single writer of lifecycle state.
//
// Every state change in the system funnels through StateMachine.Apply, which
// validates the requested edge against the persisted state, performs the
// update and the audit append inside one unit of work, and emits a transition
// event only after the write commits. Replaying a unit's ordered
// TransitionRecords from creation always reconstructs its current state.
package core
