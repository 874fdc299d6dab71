package core

import (
	"context"
	"sync"
	"time"
)

// TransitionEvent notifies observers that a lifecycle transition committed.
// Events are emitted after the durable write, never before, so an observer
// can always re-read the unit and see at least the state in the event.
type TransitionEvent struct {
	UnitID    string    `json:"unit_id"`
	FromState *State    `json:"from_state,omitempty"`
	ToState   State     `json:"to_state"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// EventPublisher receives committed transition events. Implementations must
// not block for long; slow observers should buffer internally.
type EventPublisher interface {
	PublishTransition(ctx context.Context, event TransitionEvent)
}

// EventPublisherFunc adapts a function to the EventPublisher interface.
type EventPublisherFunc func(ctx context.Context, event TransitionEvent)

// PublishTransition calls f.
func (f EventPublisherFunc) PublishTransition(ctx context.Context, event TransitionEvent) {
	f(ctx, event)
}

// FanoutPublisher delivers each event to every registered publisher.
type FanoutPublisher struct {
	mu         sync.RWMutex
	publishers []EventPublisher
}

// NewFanoutPublisher creates a fanout over the given publishers.
func NewFanoutPublisher(publishers ...EventPublisher) *FanoutPublisher {
	return &FanoutPublisher{publishers: publishers}
}

// Subscribe registers an additional publisher.
func (f *FanoutPublisher) Subscribe(p EventPublisher) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishers = append(f.publishers, p)
}

// PublishTransition delivers the event to all registered publishers.
func (f *FanoutPublisher) PublishTransition(ctx context.Context, event TransitionEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, p := range f.publishers {
		p.PublishTransition(ctx, event)
	}
}
