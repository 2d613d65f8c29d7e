package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Ensure interface compliance at compile time
var _ adapters.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore provides a PostgreSQL implementation of adapters.IdempotencyStore.
type IdempotencyStore struct {
	db     *sql.DB
	schema string
	table  string
	now    func() time.Time
}

// IdempotencyStoreOption configures an IdempotencyStore.
type IdempotencyStoreOption func(*IdempotencyStore)

// WithIdempotencySchema sets the PostgreSQL schema for the idempotency table.
func WithIdempotencySchema(schema string) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.schema = schema
	}
}

// WithIdempotencyTable sets the table name for idempotency records.
func WithIdempotencyTable(table string) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.table = table
	}
}

// WithIdempotencyClock sets the time source used for expiry checks.
func WithIdempotencyClock(now func() time.Time) IdempotencyStoreOption {
	return func(s *IdempotencyStore) {
		s.now = now
	}
}

// NewIdempotencyStore creates a new PostgreSQL IdempotencyStore.
func NewIdempotencyStore(db *sql.DB, opts ...IdempotencyStoreOption) *IdempotencyStore {
	s := &IdempotencyStore{
		db:     db,
		schema: "public",
		table:  "stoat_idempotency",
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// fullTableName returns the fully qualified and quoted table name.
func (s *IdempotencyStore) fullTableName() string {
	return quoteQualifiedTable(s.schema, s.table)
}

// Initialize creates the idempotency table if it doesn't exist.
func (s *IdempotencyStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if err := validateIdentifier(s.table, "table"); err != nil {
		return err
	}

	tableQ := s.fullTableName()
	query := `
		CREATE TABLE IF NOT EXISTS ` + tableQ + ` (
			key VARCHAR(255) PRIMARY KEY,
			message_type VARCHAR(255) NOT NULL,
			error TEXT,
			success BOOLEAN NOT NULL DEFAULT false,
			processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at TIMESTAMPTZ NOT NULL
		);

		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_expires_at") + ` ON ` + tableQ + ` (expires_at);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("stoat/postgres/idempotency: failed to create table: %w", err)
	}
	return nil
}

// Exists checks if a record with the given key exists and is not expired.
func (s *IdempotencyStore) Exists(ctx context.Context, key string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM ` + s.fullTableName() + ` WHERE key = $1 AND expires_at > $2)`

	var exists bool
	if err := s.db.QueryRowContext(ctx, query, key, s.now()).Scan(&exists); err != nil {
		return false, fmt.Errorf("stoat/postgres/idempotency: failed to check existence: %w", err)
	}
	return exists, nil
}

// Store saves an idempotency record, replacing any record with the same key.
func (s *IdempotencyStore) Store(ctx context.Context, record *adapters.IdempotencyRecord) error {
	if record == nil || record.Key == "" {
		return errors.New("stoat/postgres/idempotency: record key is required")
	}

	query := `
		INSERT INTO ` + s.fullTableName() + ` (
			key, message_type, error, success, processed_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (key) DO UPDATE SET
			message_type = EXCLUDED.message_type,
			error = EXCLUDED.error,
			success = EXCLUDED.success,
			processed_at = EXCLUDED.processed_at,
			expires_at = EXCLUDED.expires_at
	`

	if _, err := s.db.ExecContext(ctx, query,
		record.Key,
		record.MessageType,
		nullString(record.Error),
		record.Success,
		record.ProcessedAt,
		record.ExpiresAt,
	); err != nil {
		return fmt.Errorf("stoat/postgres/idempotency: failed to store record: %w", err)
	}
	return nil
}

// Get retrieves an idempotency record by key.
// Returns nil, nil if the record doesn't exist or is expired.
func (s *IdempotencyStore) Get(ctx context.Context, key string) (*adapters.IdempotencyRecord, error) {
	query := `
		SELECT key, message_type, error, success, processed_at, expires_at
		FROM ` + s.fullTableName() + `
		WHERE key = $1 AND expires_at > $2
	`

	var record adapters.IdempotencyRecord
	var errorMsg sql.NullString

	err := s.db.QueryRowContext(ctx, query, key, s.now()).Scan(
		&record.Key,
		&record.MessageType,
		&errorMsg,
		&record.Success,
		&record.ProcessedAt,
		&record.ExpiresAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres/idempotency: failed to get record: %w", err)
	}

	record.Error = errorMsg.String
	return &record, nil
}

// Delete removes an idempotency record by key.
func (s *IdempotencyStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM `+s.fullTableName()+` WHERE key = $1`, key); err != nil {
		return fmt.Errorf("stoat/postgres/idempotency: failed to delete record: %w", err)
	}
	return nil
}

// Cleanup removes records processed before now minus olderThan, and expired ones.
func (s *IdempotencyStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	query := `DELETE FROM ` + s.fullTableName() + ` WHERE processed_at < $1 OR expires_at <= $2`

	result, err := s.db.ExecContext(ctx, query, now.Add(-olderThan), now)
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres/idempotency: failed to cleanup records: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres/idempotency: failed to get affected rows: %w", err)
	}
	return count, nil
}

// Count returns the total number of records in the store.
func (s *IdempotencyStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+s.fullTableName()).Scan(&count); err != nil {
		return 0, fmt.Errorf("stoat/postgres/idempotency: failed to count records: %w", err)
	}
	return count, nil
}

// Clear removes all records from the store.
func (s *IdempotencyStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `TRUNCATE TABLE `+s.fullTableName()); err != nil {
		return fmt.Errorf("stoat/postgres/idempotency: failed to clear table: %w", err)
	}
	return nil
}
