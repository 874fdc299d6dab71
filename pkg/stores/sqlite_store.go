package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/pressroom/pressroom/pkg/core"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
	cfg  Config
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	return &SQLiteStore{path: cfg.Path, cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded filesystem.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

const unitColumns = `id, source, external_id, title, body, content_hash, state,
	discovered_at, last_processed_at, sync_retries, analysis_retries,
	publish_retries, last_error, metadata, created_at, updated_at`

func scanUnit(row interface{ Scan(...interface{}) error }) (*core.ContentUnit, error) {
	unit := &core.ContentUnit{}
	var state string
	var metadataJSON string
	err := row.Scan(
		&unit.ID,
		&unit.Source,
		&unit.ExternalID,
		&unit.Title,
		&unit.Body,
		&unit.ContentHash,
		&state,
		&unit.DiscoveredAt,
		&unit.LastProcessedAt,
		&unit.SyncRetries,
		&unit.AnalysisRetries,
		&unit.PublishRetries,
		&unit.LastError,
		&metadataJSON,
		&unit.CreatedAt,
		&unit.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	unit.State = core.State(state)
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &unit.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode unit metadata: %w", err)
		}
	}
	return unit, nil
}

func marshalBag(bag map[string]interface{}) (string, error) {
	if len(bag) == 0 {
		return "{}", nil
	}
	raw, err := json.Marshal(bag)
	if err != nil {
		return "", fmt.Errorf("failed to encode json bag: %w", err)
	}
	return string(raw), nil
}

// CreateUnit inserts the unit and its creation transition record atomically.
func (s *SQLiteStore) CreateUnit(ctx context.Context, unit *core.ContentUnit, actor string) (*core.ContentUnit, error) {
	if unit.ID == "" {
		unit.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if unit.DiscoveredAt.IsZero() {
		unit.DiscoveredAt = now
	}
	unit.CreatedAt = now
	unit.UpdatedAt = now
	if unit.State == "" {
		unit.State = core.StateDiscovered
	}

	metadataJSON, err := marshalBag(unit.Metadata)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO content_units (
			id, source, external_id, title, body, content_hash, state,
			discovered_at, sync_retries, analysis_retries, publish_retries,
			metadata, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?, ?)`,
		unit.ID, unit.Source, unit.ExternalID, unit.Title, unit.Body,
		unit.ContentHash, string(unit.State), unit.DiscoveredAt,
		metadataJSON, unit.CreatedAt, unit.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create unit: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO transition_records (unit_id, from_state, to_state, actor, reason, context, created_at)
		VALUES (?, NULL, ?, ?, 'discovered by sync', '{}', ?)`,
		unit.ID, string(unit.State), actor, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append creation record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit unit creation: %w", err)
	}

	return unit, nil
}

// GetUnit retrieves a unit by id.
func (s *SQLiteStore) GetUnit(ctx context.Context, id string) (*core.ContentUnit, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM content_units WHERE id = ?", unitColumns), id)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewPermanentError("unit not found", nil).
			WithCode(core.CodeNotFound).WithUnit(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit: %w", err)
	}
	return unit, nil
}

// GetUnitBySource retrieves a unit by its external-source identity.
func (s *SQLiteStore) GetUnitBySource(ctx context.Context, source, externalID string) (*core.ContentUnit, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM content_units WHERE source = ? AND external_id = ?", unitColumns),
		source, externalID)
	unit, err := scanUnit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewPermanentError("unit not found", nil).
			WithCode(core.CodeNotFound).
			WithDetail("source", source).
			WithDetail("external_id", externalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unit by source: %w", err)
	}
	return unit, nil
}

// ListUnitsByState lists units in the given state, oldest update first so
// stalled units surface before fresh ones.
func (s *SQLiteStore) ListUnitsByState(ctx context.Context, state core.State, limit int) ([]*core.ContentUnit, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM content_units WHERE state = ? ORDER BY updated_at ASC LIMIT ?", unitColumns),
		string(state), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list units: %w", err)
	}
	defer rows.Close()

	units := []*core.ContentUnit{}
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan unit: %w", err)
		}
		units = append(units, unit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating units: %w", err)
	}
	return units, nil
}

// UpdateUnitContent refreshes content fields without a state transition.
func (s *SQLiteStore) UpdateUnitContent(ctx context.Context, id, title, body, contentHash string, metadata map[string]interface{}) error {
	metadataJSON, err := marshalBag(metadata)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE content_units
		SET title = ?, body = ?, content_hash = ?, metadata = ?, updated_at = ?
		WHERE id = ?`,
		title, body, contentHash, metadataJSON, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update unit content: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewPermanentError("unit not found", nil).WithCode(core.CodeNotFound).WithUnit(id)
	}
	return nil
}

func (s *SQLiteStore) incrementCounter(ctx context.Context, id, column string, lastError *string) (int, error) {
	errorClause := ""
	args := []interface{}{time.Now().UTC()}
	if lastError != nil {
		errorClause = ", last_error = ?"
		args = append(args, *lastError)
	}
	args = append(args, id)

	query := fmt.Sprintf(`
		UPDATE content_units
		SET %s = %s + 1, updated_at = ?%s
		WHERE id = ?`, column, column, errorClause)

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", column, err)
	}

	var count int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM content_units WHERE id = ?", column), id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, core.NewPermanentError("unit not found", nil).WithCode(core.CodeNotFound).WithUnit(id)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", column, err)
	}
	return count, nil
}

// IncrementSyncRetries bumps the sync retry counter and records the error.
func (s *SQLiteStore) IncrementSyncRetries(ctx context.Context, id, lastError string) (int, error) {
	return s.incrementCounter(ctx, id, "sync_retries", &lastError)
}

// ResetSyncRetries zeroes the sync retry counter after a clean run.
func (s *SQLiteStore) ResetSyncRetries(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE content_units SET sync_retries = 0, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to reset sync retries: %w", err)
	}
	return nil
}

// IncrementAnalysisRetries bumps the analysis retry counter.
func (s *SQLiteStore) IncrementAnalysisRetries(ctx context.Context, id string) (int, error) {
	return s.incrementCounter(ctx, id, "analysis_retries", nil)
}

// IncrementPublishRetries bumps the publish retry counter.
func (s *SQLiteStore) IncrementPublishRetries(ctx context.Context, id string) (int, error) {
	return s.incrementCounter(ctx, id, "publish_retries", nil)
}

// ApplyTransition performs the optimistic state update and appends the
// transition record in one transaction. The UPDATE is conditioned on the
// expected prior state; zero affected rows means a concurrent actor moved
// the unit first.
func (s *SQLiteStore) ApplyTransition(ctx context.Context, rec *core.TransitionRecord, fromExpected core.State) (*core.ContentUnit, error) {
	contextJSON, err := marshalBag(rec.Context)
	if err != nil {
		return nil, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Failing records the reason as the unit's last error; leaving the failed
	// state clears it.
	var lastErrorClause string
	args := []interface{}{string(rec.ToState), rec.CreatedAt, rec.CreatedAt}
	switch {
	case rec.ToState == core.StateFailed:
		lastErrorClause = ", last_error = ?"
		args = append(args, rec.Reason)
	case fromExpected == core.StateFailed:
		lastErrorClause = ", last_error = NULL"
	}
	args = append(args, rec.UnitID, string(fromExpected))

	result, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE content_units
		SET state = ?, updated_at = ?, last_processed_at = ?%s
		WHERE id = ? AND state = ?`, lastErrorClause), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update unit state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		var actual string
		err := tx.QueryRowContext(ctx,
			"SELECT state FROM content_units WHERE id = ?", rec.UnitID).Scan(&actual)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.NewPermanentError("unit not found", nil).
				WithCode(core.CodeNotFound).WithUnit(rec.UnitID)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read current state: %w", err)
		}
		return nil, core.NewConflictError(
			fmt.Sprintf("unit is in state %q, expected %q", actual, fromExpected), nil,
		).WithUnit(rec.UnitID).WithDetail("actual_state", actual)
	}

	var fromState *string
	if rec.FromState != nil {
		v := string(*rec.FromState)
		fromState = &v
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO transition_records (unit_id, from_state, to_state, actor, reason, context, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.UnitID, fromState, string(rec.ToState), rec.Actor, rec.Reason, contextJSON, rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to append transition record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}

	row := tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT %s FROM content_units WHERE id = ?", unitColumns), rec.UnitID)
	unit, err := scanUnit(row)
	if err != nil {
		return nil, fmt.Errorf("failed to read updated unit: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transition: %w", err)
	}

	return unit, nil
}

// ListTransitions returns the ordered transition history for a unit.
func (s *SQLiteStore) ListTransitions(ctx context.Context, unitID string) ([]*core.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unit_id, from_state, to_state, actor, reason, context, created_at
		FROM transition_records
		WHERE unit_id = ?
		ORDER BY id ASC`, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transitions: %w", err)
	}
	defer rows.Close()

	records := []*core.TransitionRecord{}
	for rows.Next() {
		rec := &core.TransitionRecord{}
		var fromState *string
		var toState, contextJSON string
		err := rows.Scan(&rec.ID, &rec.UnitID, &fromState, &toState,
			&rec.Actor, &rec.Reason, &contextJSON, &rec.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transition record: %w", err)
		}
		if fromState != nil {
			v := core.State(*fromState)
			rec.FromState = &v
		}
		rec.ToState = core.State(toState)
		if contextJSON != "" && contextJSON != "{}" {
			if err := json.Unmarshal([]byte(contextJSON), &rec.Context); err != nil {
				return nil, fmt.Errorf("failed to decode record context: %w", err)
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transitions: %w", err)
	}
	return records, nil
}

// CreateAnalysisResult persists a finished analysis pass.
func (s *SQLiteStore) CreateAnalysisResult(ctx context.Context, result *core.AnalysisResult) error {
	if result.ID == "" {
		result.ID = uuid.New().String()
	}
	if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}

	issuesJSON, err := json.Marshal(result.Issues)
	if err != nil {
		return fmt.Errorf("failed to encode issues: %w", err)
	}
	countsJSON, err := json.Marshal(result.OriginCounts)
	if err != nil {
		return fmt.Errorf("failed to encode origin counts: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO analysis_results (
			id, unit_id, issues, total_issues, blocking_issues, origin_counts,
			rule_engine_version, model_id, latency_ms, passed, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID, result.UnitID, string(issuesJSON), result.TotalIssues,
		result.BlockingIssues, string(countsJSON), result.RuleEngineVersion,
		result.ModelID, result.Latency.Milliseconds(), result.Passed, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create analysis result: %w", err)
	}
	return nil
}

// LatestAnalysisResult returns the most recent analysis pass for a unit.
func (s *SQLiteStore) LatestAnalysisResult(ctx context.Context, unitID string) (*core.AnalysisResult, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, unit_id, issues, total_issues, blocking_issues, origin_counts,
		       rule_engine_version, model_id, latency_ms, passed, created_at
		FROM analysis_results
		WHERE unit_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, unitID)

	result := &core.AnalysisResult{}
	var issuesJSON, countsJSON string
	var latencyMS int64
	err := row.Scan(&result.ID, &result.UnitID, &issuesJSON, &result.TotalIssues,
		&result.BlockingIssues, &countsJSON, &result.RuleEngineVersion,
		&result.ModelID, &latencyMS, &result.Passed, &result.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.NewPermanentError("no analysis result for unit", nil).
			WithCode(core.CodeNotFound).WithUnit(unitID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis result: %w", err)
	}

	if err := json.Unmarshal([]byte(issuesJSON), &result.Issues); err != nil {
		return nil, fmt.Errorf("failed to decode issues: %w", err)
	}
	if err := json.Unmarshal([]byte(countsJSON), &result.OriginCounts); err != nil {
		return nil, fmt.Errorf("failed to decode origin counts: %w", err)
	}
	result.Latency = time.Duration(latencyMS) * time.Millisecond
	return result, nil
}

// CreatePublishAttempt creates a new attempt with the next contiguous number
// for the unit, assigned inside the transaction so concurrent creators
// cannot produce gaps or duplicates.
func (s *SQLiteStore) CreatePublishAttempt(ctx context.Context, unitID, provider string) (*core.PublishAttempt, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM publish_attempts WHERE unit_id = ?", unitID).Scan(&count); err != nil {
		return nil, fmt.Errorf("failed to count attempts: %w", err)
	}

	attempt := &core.PublishAttempt{
		ID:        uuid.New().String(),
		UnitID:    unitID,
		Provider:  provider,
		Number:    count + 1,
		Status:    core.AttemptRunning,
		Steps:     []core.StepResult{},
		StartedAt: time.Now().UTC(),
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO publish_attempts (id, unit_id, provider, attempt_number, status, steps, started_at)
		VALUES (?, ?, ?, ?, ?, '[]', ?)`,
		attempt.ID, attempt.UnitID, attempt.Provider, attempt.Number,
		string(attempt.Status), attempt.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create publish attempt: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit attempt creation: %w", err)
	}
	return attempt, nil
}

// UpdatePublishAttempt writes the attempt's current step log and status.
func (s *SQLiteStore) UpdatePublishAttempt(ctx context.Context, attempt *core.PublishAttempt) error {
	stepsJSON, err := json.Marshal(attempt.Steps)
	if err != nil {
		return fmt.Errorf("failed to encode step log: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE publish_attempts
		SET status = ?, steps = ?, published_url = ?, cost = ?, failure_reason = ?, completed_at = ?
		WHERE id = ?`,
		string(attempt.Status), string(stepsJSON), attempt.PublishedURL,
		attempt.Cost, attempt.FailureReason, attempt.CompletedAt, attempt.ID)
	if err != nil {
		return fmt.Errorf("failed to update publish attempt: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return core.NewPermanentError("publish attempt not found", nil).
			WithCode(core.CodeNotFound).WithDetail("attempt_id", attempt.ID)
	}
	return nil
}

// ListPublishAttempts returns a unit's attempts in attempt-number order.
func (s *SQLiteStore) ListPublishAttempts(ctx context.Context, unitID string) ([]*core.PublishAttempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unit_id, provider, attempt_number, status, steps,
		       published_url, cost, failure_reason, started_at, completed_at
		FROM publish_attempts
		WHERE unit_id = ?
		ORDER BY attempt_number ASC`, unitID)
	if err != nil {
		return nil, fmt.Errorf("failed to list publish attempts: %w", err)
	}
	defer rows.Close()

	attempts := []*core.PublishAttempt{}
	for rows.Next() {
		attempt := &core.PublishAttempt{}
		var status, stepsJSON string
		err := rows.Scan(&attempt.ID, &attempt.UnitID, &attempt.Provider,
			&attempt.Number, &status, &stepsJSON, &attempt.PublishedURL,
			&attempt.Cost, &attempt.FailureReason, &attempt.StartedAt, &attempt.CompletedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan publish attempt: %w", err)
		}
		attempt.Status = core.AttemptStatus(status)
		if err := json.Unmarshal([]byte(stepsJSON), &attempt.Steps); err != nil {
			return nil, fmt.Errorf("failed to decode step log: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating publish attempts: %w", err)
	}
	return attempts, nil
}

// CountPublishAttempts returns how many attempts exist for a unit.
func (s *SQLiteStore) CountPublishAttempts(ctx context.Context, unitID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM publish_attempts WHERE unit_id = ?", unitID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count publish attempts: %w", err)
	}
	return count, nil
}

// TotalPublishCost sums the cost of all attempts for a unit.
func (s *SQLiteStore) TotalPublishCost(ctx context.Context, unitID string) (float64, error) {
	var cost float64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(cost), 0) FROM publish_attempts WHERE unit_id = ?", unitID).Scan(&cost)
	if err != nil {
		return 0, fmt.Errorf("failed to sum publish cost: %w", err)
	}
	return cost, nil
}
