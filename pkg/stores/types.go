package stores

import (
	"context"

	"github.com/pressroom/pressroom/pkg/core"
)

// Store defines the persistence contract for the workflow core. All
// multi-row writes (unit creation with its audit record, conditional state
// update with its audit record, attempt numbering) execute inside a single
// transaction; partial writes are never observable.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// ContentUnit operations
	//
	// CreateUnit inserts the unit and its creation TransitionRecord
	// (from_state NULL) in one transaction. The unit's (Source, ExternalID)
	// pair must be unique.
	CreateUnit(ctx context.Context, unit *core.ContentUnit, actor string) (*core.ContentUnit, error)
	GetUnit(ctx context.Context, id string) (*core.ContentUnit, error)
	GetUnitBySource(ctx context.Context, source, externalID string) (*core.ContentUnit, error)
	ListUnitsByState(ctx context.Context, state core.State, limit int) ([]*core.ContentUnit, error)

	// UpdateUnitContent refreshes body fields without touching lifecycle
	// state. Used by sync when a known item's content hash changes.
	UpdateUnitContent(ctx context.Context, id, title, body, contentHash string, metadata map[string]interface{}) error

	// Retry counters. Each returns the counter value after the increment.
	IncrementSyncRetries(ctx context.Context, id, lastError string) (int, error)
	ResetSyncRetries(ctx context.Context, id string) error
	IncrementAnalysisRetries(ctx context.Context, id string) (int, error)
	IncrementPublishRetries(ctx context.Context, id string) (int, error)

	// Transition operations (see core.TransitionStore).
	ApplyTransition(ctx context.Context, rec *core.TransitionRecord, fromExpected core.State) (*core.ContentUnit, error)
	ListTransitions(ctx context.Context, unitID string) ([]*core.TransitionRecord, error)

	// AnalysisResult operations. Results are immutable once written.
	CreateAnalysisResult(ctx context.Context, result *core.AnalysisResult) error
	LatestAnalysisResult(ctx context.Context, unitID string) (*core.AnalysisResult, error)

	// PublishAttempt operations. CreatePublishAttempt assigns the next
	// contiguous attempt number inside its transaction.
	CreatePublishAttempt(ctx context.Context, unitID, provider string) (*core.PublishAttempt, error)
	UpdatePublishAttempt(ctx context.Context, attempt *core.PublishAttempt) error
	ListPublishAttempts(ctx context.Context, unitID string) ([]*core.PublishAttempt, error)
	CountPublishAttempts(ctx context.Context, unitID string) (int, error)
	TotalPublishCost(ctx context.Context, unitID string) (float64, error)
}
