package core

// State is a lifecycle stage of a ContentUnit. The set is closed: a unit is
// always in exactly one of these states, and the only legal edges between
// them are the ones listed in the transition table below.
type State string

const (
	// StateDiscovered is the entry state, set when sync first sees an item.
	StateDiscovered State = "discovered"

	// StatePending means the unit is queued for analysis.
	StatePending State = "pending"

	// StateAnalyzing means an analysis pass is in flight.
	StateAnalyzing State = "analyzing"

	// StateUnderReview means analysis finished and a human decision is awaited.
	StateUnderReview State = "under_review"

	// StateReadyToPublish means review approved the unit for publication.
	StateReadyToPublish State = "ready_to_publish"

	// StatePublishing means a publish attempt is in flight.
	StatePublishing State = "publishing"

	// StatePublished is the terminal success state. No outbound edges.
	StatePublished State = "published"

	// StateFailed is reachable from every non-terminal state. Recovery edges
	// lead back to Pending (re-analyze) or Discovered (re-sync).
	StateFailed State = "failed"
)

// transitionTable is the adjacency table of legal lifecycle edges.
var transitionTable = map[State][]State{
	StateDiscovered:     {StatePending, StateFailed},
	StatePending:        {StateAnalyzing, StateFailed},
	StateAnalyzing:      {StateUnderReview, StateFailed},
	StateUnderReview:    {StateReadyToPublish, StateAnalyzing, StateFailed},
	StateReadyToPublish: {StatePublishing, StateUnderReview},
	StatePublishing:     {StatePublished, StateFailed},
	StateFailed:         {StatePending, StateDiscovered},
	StatePublished:      {},
}

// AllStates returns every defined lifecycle state.
func AllStates() []State {
	return []State{
		StateDiscovered,
		StatePending,
		StateAnalyzing,
		StateUnderReview,
		StateReadyToPublish,
		StatePublishing,
		StatePublished,
		StateFailed,
	}
}

// Valid reports whether s is a defined lifecycle state.
func (s State) Valid() bool {
	_, ok := transitionTable[s]
	return ok
}

// Terminal reports whether s has no outbound edges.
func (s State) Terminal() bool {
	return len(transitionTable[s]) == 0 && s.Valid()
}

// CanTransition reports whether the edge from -> to is in the transition table.
func CanTransition(from, to State) bool {
	for _, next := range transitionTable[from] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowedFrom returns the states reachable in one step from s.
func AllowedFrom(s State) []State {
	allowed := transitionTable[s]
	out := make([]State, len(allowed))
	copy(out, allowed)
	return out
}

// Well-known failure and audit reasons recorded on transitions.
const (
	ReasonSyncExhausted    = "sync_exhausted"
	ReasonAnalysisAIError  = "analysis_ai_error"
	ReasonPublishExhausted = "publish_exhausted"
	ReasonProviderFallback = "provider_fallback"
	ReasonTimeout          = "timeout"
)
