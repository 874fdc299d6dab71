package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the workflow engine.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Component identifies where the event originated.
	Component string `json:"component"`

	// UnitID is the associated content unit ID, if applicable.
	UnitID string `json:"unit_id,omitempty"`

	// Source is the content source system, if applicable.
	Source string `json:"source,omitempty"`

	// Provider is the publishing provider, if applicable.
	Provider string `json:"provider,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeSyncRunCompleted  = "sync.run_completed"
	EventTypeSyncRunFailed     = "sync.run_failed"
	EventTypeUnitDiscovered    = "unit.discovered"
	EventTypeUnitTransitioned  = "unit.transitioned"
	EventTypeUnitFailed        = "unit.failed"
	EventTypeAnalysisCompleted = "analysis.completed"
	EventTypeAttemptCompleted  = "publish.attempt_completed"
	EventTypeProviderFallback  = "publish.provider_fallback"
	EventTypeError             = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishSyncRunCompleted publishes a sync run completion event.
func (ep *EventPublisher) PublishSyncRunCompleted(source string, processed, created, updated, errors int) error {
	return ep.Publish(Event{
		Type:      EventTypeSyncRunCompleted,
		Component: "sync-engine",
		Source:    source,
		Message:   fmt.Sprintf("Sync run over %s completed: %d processed, %d created, %d updated", source, processed, created, updated),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"processed": processed,
			"created":   created,
			"updated":   updated,
			"errors":    errors,
		},
	})
}

// PublishSyncRunFailed publishes a sync run failure event.
func (ep *EventPublisher) PublishSyncRunFailed(source, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeSyncRunFailed,
		Component: "sync-engine",
		Source:    source,
		Message:   fmt.Sprintf("Sync run over %s failed: %s", source, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishUnitDiscovered publishes a unit discovery event.
func (ep *EventPublisher) PublishUnitDiscovered(unitID, source, externalID string) error {
	return ep.Publish(Event{
		Type:      EventTypeUnitDiscovered,
		Component: "sync-engine",
		UnitID:    unitID,
		Source:    source,
		Message:   fmt.Sprintf("Unit %s discovered from %s/%s", unitID, source, externalID),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"external_id": externalID,
		},
	})
}

// PublishUnitTransitioned publishes a lifecycle transition event.
func (ep *EventPublisher) PublishUnitTransitioned(unitID, fromState, toState, actor string) error {
	return ep.Publish(Event{
		Type:      EventTypeUnitTransitioned,
		Component: "state-machine",
		UnitID:    unitID,
		Message:   fmt.Sprintf("Unit %s moved from %s to %s by %s", unitID, fromState, toState, actor),
		Level:     EventLevelInfo,
		Data: map[string]interface{}{
			"from_state": fromState,
			"to_state":   toState,
			"actor":      actor,
		},
	})
}

// PublishUnitFailed publishes a unit failure event.
func (ep *EventPublisher) PublishUnitFailed(unitID, reason string) error {
	return ep.Publish(Event{
		Type:      EventTypeUnitFailed,
		Component: "state-machine",
		UnitID:    unitID,
		Message:   fmt.Sprintf("Unit %s failed: %s", unitID, reason),
		Level:     EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishAnalysisCompleted publishes an analysis completion event.
func (ep *EventPublisher) PublishAnalysisCompleted(unitID string, totalIssues, blockingIssues int, passed bool) error {
	level := EventLevelInfo
	if !passed {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:      EventTypeAnalysisCompleted,
		Component: "analysis-coordinator",
		UnitID:    unitID,
		Message:   fmt.Sprintf("Analysis of unit %s found %d issues (%d blocking)", unitID, totalIssues, blockingIssues),
		Level:     level,
		Data: map[string]interface{}{
			"total_issues":    totalIssues,
			"blocking_issues": blockingIssues,
			"passed":          passed,
		},
	})
}

// PublishAttemptCompleted publishes a publish attempt outcome event.
func (ep *EventPublisher) PublishAttemptCompleted(unitID, provider, status string, attemptNumber int) error {
	level := EventLevelInfo
	if status != "succeeded" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:      EventTypeAttemptCompleted,
		Component: "publish-orchestrator",
		UnitID:    unitID,
		Provider:  provider,
		Message:   fmt.Sprintf("Publish attempt %d for unit %s via %s: %s", attemptNumber, unitID, provider, status),
		Level:     level,
		Data: map[string]interface{}{
			"attempt_number": attemptNumber,
			"status":         status,
		},
	})
}

// PublishProviderFallback publishes a provider fallback event.
func (ep *EventPublisher) PublishProviderFallback(unitID, fromProvider, toProvider string) error {
	return ep.Publish(Event{
		Type:      EventTypeProviderFallback,
		Component: "publish-orchestrator",
		UnitID:    unitID,
		Provider:  toProvider,
		Message:   fmt.Sprintf("Unit %s falling back from %s to %s", unitID, fromProvider, toProvider),
		Level:     EventLevelWarning,
		Data: map[string]interface{}{
			"from_provider": fromProvider,
			"to_provider":   toProvider,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	for {
		select {
		case event := <-ep.buffer:
			ep.deliverEvent(event)

		case <-ep.ctx.Done():
			// Drain remaining events before shutting down
			for {
				select {
				case event := <-ep.buffer:
					ep.deliverEvent(event)
				default:
					return
				}
			}
		}
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}
		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByUnitID creates a filter that only allows events for a specific unit.
func FilterByUnitID(unitID string) EventFilter {
	return func(event Event) bool {
		return event.UnitID == unitID
	}
}

// FilterBySource creates a filter that only allows events for a specific source.
func FilterBySource(source string) EventFilter {
	return func(event Event) bool {
		return event.Source == source
	}
}
