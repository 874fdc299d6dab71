// Package publish runs the publication protocol: an ordered eight-step
// sequence executed against a platform provider, with per-step retry,
// non-blocking backoff scheduling, provider fallback, and a durable
// per-attempt step log. The orchestrator owns all Publishing-state
// transitions; providers only execute steps.
package publish
