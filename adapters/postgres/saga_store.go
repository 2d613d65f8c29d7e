package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/lib/pq"
)

// Ensure interface compliance at compile time
var _ adapters.SagaStore = (*SagaStore)(nil)

const sagaColumns = `id, type, current_state, correlation_keys, status, data,
	started_at, updated_at, completed_at, version`

// SagaStore provides a PostgreSQL implementation of adapters.SagaStore.
// Correlation keys are a TEXT[] column so a saga answers to every key it
// has seen.
type SagaStore struct {
	db     *sql.DB
	schema string
	table  string
	now    func() time.Time
}

// SagaStoreOption configures a SagaStore.
type SagaStoreOption func(*SagaStore)

// WithSagaSchema sets the PostgreSQL schema for the saga table.
func WithSagaSchema(schema string) SagaStoreOption {
	return func(s *SagaStore) {
		s.schema = schema
	}
}

// WithSagaTable sets the table name for saga records.
func WithSagaTable(table string) SagaStoreOption {
	return func(s *SagaStore) {
		s.table = table
	}
}

// WithSagaClock sets the time source for UpdatedAt.
func WithSagaClock(now func() time.Time) SagaStoreOption {
	return func(s *SagaStore) {
		s.now = now
	}
}

// NewSagaStore creates a new PostgreSQL SagaStore.
func NewSagaStore(db *sql.DB, opts ...SagaStoreOption) *SagaStore {
	s := &SagaStore{
		db:     db,
		schema: "public",
		table:  "stoat_sagas",
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// fullTableName returns the fully qualified and quoted table name.
func (s *SagaStore) fullTableName() string {
	return quoteQualifiedTable(s.schema, s.table)
}

// Initialize creates the saga table if it doesn't exist.
func (s *SagaStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if err := validateIdentifier(s.table, "table"); err != nil {
		return err
	}

	tableQ := s.fullTableName()
	query := `
		CREATE TABLE IF NOT EXISTS ` + tableQ + ` (
			id VARCHAR(255) PRIMARY KEY,
			type VARCHAR(255) NOT NULL,
			current_state VARCHAR(255) NOT NULL DEFAULT '',
			correlation_keys TEXT[] NOT NULL DEFAULT '{}',
			status INT NOT NULL DEFAULT 0,
			data BYTEA,
			started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			completed_at TIMESTAMPTZ,
			version BIGINT NOT NULL DEFAULT 1
		);

		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_correlation_keys") + ` ON ` + tableQ + ` USING GIN (correlation_keys);
		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_type_status") + ` ON ` + tableQ + ` (type, status);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("stoat/postgres/saga: failed to create table: %w", err)
	}
	return nil
}

// Save persists a saga state with optimistic concurrency control.
//
// Version 0 inserts a new saga; any other version updates the saga only if
// the stored version matches. On success state.Version holds the new version.
func (s *SagaStore) Save(ctx context.Context, state *adapters.SagaState) error {
	if state == nil {
		return adapters.ErrNilSagaState
	}
	if state.ID == "" {
		return adapters.ErrEmptySagaID
	}

	tableQ := s.fullTableName()
	updatedAt := s.now()
	keys := pq.Array(nonNilKeys(state.CorrelationKeys))

	var (
		query string
		args  []interface{}
	)
	if state.Version == 0 {
		query = `
			INSERT INTO ` + tableQ + ` (` + sagaColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1)
			ON CONFLICT (id) DO NOTHING
			RETURNING version
		`
		args = []interface{}{
			state.ID, state.Type, state.CurrentState, keys, int(state.Status), state.Data,
			state.StartedAt, updatedAt, nullTime(state.CompletedAt),
		}
	} else {
		query = `
			UPDATE ` + tableQ + ` SET
				type = $2,
				current_state = $3,
				correlation_keys = $4,
				status = $5,
				data = $6,
				updated_at = $7,
				completed_at = $8,
				version = version + 1
			WHERE id = $1 AND version = $9
			RETURNING version
		`
		args = []interface{}{
			state.ID, state.Type, state.CurrentState, keys, int(state.Status), state.Data,
			updatedAt, nullTime(state.CompletedAt), state.Version,
		}
	}

	var newVersion int64
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&newVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return s.conflict(ctx, state)
	}
	if err != nil {
		return fmt.Errorf("stoat/postgres/saga: failed to save saga: %w", err)
	}

	state.Version = newVersion
	state.UpdatedAt = updatedAt
	return nil
}

// conflict explains why a save touched no row.
func (s *SagaStore) conflict(ctx context.Context, state *adapters.SagaState) error {
	var current int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM `+s.fullTableName()+` WHERE id = $1`, state.ID).Scan(&current)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return fmt.Errorf("stoat/postgres/saga: failed to read version: %w", err)
	}

	if err := adapters.CheckSagaVersion(state.ID, state.Version, current, exists); err != nil {
		return err
	}
	return &adapters.ConcurrencyError{SagaID: state.ID, ExpectedVersion: state.Version, ActualVersion: current}
}

// Load retrieves a saga state by ID.
func (s *SagaStore) Load(ctx context.Context, sagaID string) (*adapters.SagaState, error) {
	if sagaID == "" {
		return nil, adapters.ErrEmptySagaID
	}

	query := `SELECT ` + sagaColumns + ` FROM ` + s.fullTableName() + ` WHERE id = $1`
	state, err := scanSaga(s.db.QueryRowContext(ctx, query, sagaID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &adapters.SagaNotFoundError{SagaID: sagaID}
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres/saga: failed to load saga: %w", err)
	}
	return state, nil
}

// FindByCorrelationID returns the saga of sagaType carrying correlationID
// among its correlation keys. A running saga wins over a completed one;
// otherwise the most recently started, then updated, then highest version.
func (s *SagaStore) FindByCorrelationID(ctx context.Context, sagaType, correlationID string) (*adapters.SagaState, error) {
	if correlationID == "" {
		return nil, &adapters.SagaNotFoundError{SagaType: sagaType}
	}

	query := `
		SELECT ` + sagaColumns + `
		FROM ` + s.fullTableName() + `
		WHERE type = $1 AND correlation_keys @> ARRAY[$2::TEXT]
		ORDER BY (status = $3) ASC, started_at DESC, updated_at DESC, version DESC
		LIMIT 1
	`
	state, err := scanSaga(s.db.QueryRowContext(ctx, query, sagaType, correlationID, int(adapters.SagaStatusCompleted)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &adapters.SagaNotFoundError{SagaType: sagaType, CorrelationID: correlationID}
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres/saga: failed to find saga: %w", err)
	}
	return state, nil
}

// FindByType finds all sagas of a given type with the specified statuses,
// oldest first.
func (s *SagaStore) FindByType(ctx context.Context, sagaType string, statuses ...adapters.SagaStatus) ([]*adapters.SagaState, error) {
	query := `SELECT ` + sagaColumns + ` FROM ` + s.fullTableName() + ` WHERE type = $1`
	args := []interface{}{sagaType}

	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, status := range statuses {
			args = append(args, int(status))
			placeholders[i] = fmt.Sprintf("$%d", i+2)
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY started_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres/saga: failed to find sagas: %w", err)
	}
	defer rows.Close()

	var sagas []*adapters.SagaState
	for rows.Next() {
		state, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("stoat/postgres/saga: failed to scan row: %w", err)
		}
		sagas = append(sagas, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stoat/postgres/saga: error iterating rows: %w", err)
	}
	return sagas, nil
}

// Delete removes a saga state.
func (s *SagaStore) Delete(ctx context.Context, sagaID string) error {
	if sagaID == "" {
		return adapters.ErrEmptySagaID
	}

	result, err := s.db.ExecContext(ctx, `DELETE FROM `+s.fullTableName()+` WHERE id = $1`, sagaID)
	if err != nil {
		return fmt.Errorf("stoat/postgres/saga: failed to delete saga: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("stoat/postgres/saga: failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return &adapters.SagaNotFoundError{SagaID: sagaID}
	}
	return nil
}

// Cleanup removes completed sagas that completed before olderThan ago.
func (s *SagaStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM ` + s.fullTableName() + `
		WHERE status = $1 AND completed_at IS NOT NULL AND completed_at < $2
	`
	result, err := s.db.ExecContext(ctx, query, int(adapters.SagaStatusCompleted), s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres/saga: failed to cleanup: %w", err)
	}
	return result.RowsAffected()
}

// CountByStatus returns the count of sagas by status.
func (s *SagaStore) CountByStatus(ctx context.Context) (map[adapters.SagaStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+s.fullTableName()+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres/saga: failed to count sagas: %w", err)
	}
	defer rows.Close()

	counts := make(map[adapters.SagaStatus]int64)
	for rows.Next() {
		var status int
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("stoat/postgres/saga: failed to scan count: %w", err)
		}
		counts[adapters.SagaStatus(status)] = count
	}
	return counts, rows.Err()
}

// Close releases any resources (no-op as db is shared).
func (s *SagaStore) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSaga(row rowScanner) (*adapters.SagaState, error) {
	var (
		state       adapters.SagaState
		keys        pq.StringArray
		status      int
		completedAt sql.NullTime
	)
	if err := row.Scan(
		&state.ID,
		&state.Type,
		&state.CurrentState,
		&keys,
		&status,
		&state.Data,
		&state.StartedAt,
		&state.UpdatedAt,
		&completedAt,
		&state.Version,
	); err != nil {
		return nil, err
	}

	state.Status = adapters.SagaStatus(status)
	state.CompletedAt = timePtr(completedAt)
	if len(keys) > 0 {
		state.CorrelationKeys = []string(keys)
	}
	return &state, nil
}

func nonNilKeys(keys []string) []string {
	if keys == nil {
		return []string{}
	}
	return keys
}
