package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Ensure interface compliance at compile time
var _ adapters.OutboxStore = (*OutboxStore)(nil)

const outboxColumns = `id, partition_key, message_type, destination, payload, headers,
	status, attempts, max_attempts, last_error, scheduled_at,
	last_attempt_at, processed_at, created_at`

// OutboxStore provides a PostgreSQL implementation of adapters.OutboxStore.
type OutboxStore struct {
	db     *sql.DB
	schema string
	table  string
	now    func() time.Time
}

// OutboxStoreOption configures an OutboxStore.
type OutboxStoreOption func(*OutboxStore)

// WithOutboxSchema sets the PostgreSQL schema for the outbox table.
func WithOutboxSchema(schema string) OutboxStoreOption {
	return func(s *OutboxStore) {
		s.schema = schema
	}
}

// WithOutboxTableName sets the table name for outbox records.
func WithOutboxTableName(table string) OutboxStoreOption {
	return func(s *OutboxStore) {
		s.table = table
	}
}

// WithOutboxClock sets the time source used for scheduling and claiming.
func WithOutboxClock(now func() time.Time) OutboxStoreOption {
	return func(s *OutboxStore) {
		s.now = now
	}
}

// NewOutboxStore creates a new PostgreSQL OutboxStore.
func NewOutboxStore(db *sql.DB, opts ...OutboxStoreOption) *OutboxStore {
	s := &OutboxStore{
		db:     db,
		schema: "public",
		table:  "stoat_outbox",
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// fullTableName returns the fully qualified and quoted table name.
func (s *OutboxStore) fullTableName() string {
	return quoteQualifiedTable(s.schema, s.table)
}

// Initialize creates the outbox table if it doesn't exist.
func (s *OutboxStore) Initialize(ctx context.Context) error {
	if err := validateIdentifier(s.schema, "schema"); err != nil {
		return err
	}
	if err := validateIdentifier(s.table, "table"); err != nil {
		return err
	}

	tableQ := s.fullTableName()
	query := `
		CREATE TABLE IF NOT EXISTS ` + tableQ + ` (
			seq BIGSERIAL,
			id VARCHAR(255) PRIMARY KEY,
			partition_key VARCHAR(255) NOT NULL DEFAULT '',
			message_type VARCHAR(255) NOT NULL,
			destination VARCHAR(1024) NOT NULL,
			payload BYTEA NOT NULL,
			headers JSONB NOT NULL DEFAULT '{}',
			status INT NOT NULL DEFAULT 0,
			attempts INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 5,
			last_error TEXT,
			scheduled_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_attempt_at TIMESTAMPTZ,
			processed_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_pending") + ` ON ` + tableQ + ` (scheduled_at, seq) WHERE status = 0;
		CREATE INDEX IF NOT EXISTS ` + quoteIdentifier("idx_"+s.table+"_status") + ` ON ` + tableQ + ` (status);
	`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("stoat/postgres/outbox: failed to create table: %w", err)
	}
	return nil
}

// Schedule stores outbox messages for later processing.
func (s *OutboxStore) Schedule(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("stoat/postgres/outbox: failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := s.insertMessages(ctx, tx, messages); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("stoat/postgres/outbox: failed to commit: %w", err)
	}
	return nil
}

// ScheduleInTx stores outbox messages within an existing database transaction.
func (s *OutboxStore) ScheduleInTx(ctx context.Context, tx *sql.Tx, messages []*adapters.OutboxMessage) error {
	if len(messages) == 0 {
		return nil
	}
	return s.insertMessages(ctx, tx, messages)
}

// insertMessages inserts outbox messages within a transaction.
func (s *OutboxStore) insertMessages(ctx context.Context, tx *sql.Tx, messages []*adapters.OutboxMessage) error {
	query := `
		INSERT INTO ` + s.fullTableName() + ` (
			id, partition_key, message_type, destination, payload, headers,
			status, attempts, max_attempts, scheduled_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, $9, $10)
	`

	now := s.now()
	for _, msg := range messages {
		headersJSON, err := json.Marshal(msg.Headers)
		if err != nil {
			return fmt.Errorf("stoat/postgres/outbox: failed to marshal headers: %w", err)
		}

		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.ScheduledAt.IsZero() {
			msg.ScheduledAt = now
		}
		if msg.CreatedAt.IsZero() {
			msg.CreatedAt = now
		}
		if msg.MaxAttempts == 0 {
			msg.MaxAttempts = 5
		}
		msg.Status = adapters.OutboxPending
		msg.Attempts = 0

		payload := msg.Payload
		if payload == nil {
			payload = []byte{}
		}

		if _, err := tx.ExecContext(ctx, query,
			msg.ID,
			msg.PartitionKey,
			msg.MessageType,
			msg.Destination,
			payload,
			headersJSON,
			int(adapters.OutboxPending),
			msg.MaxAttempts,
			msg.ScheduledAt,
			msg.CreatedAt,
		); err != nil {
			return fmt.Errorf("stoat/postgres/outbox: failed to insert message: %w", err)
		}
	}
	return nil
}

// FetchPending atomically claims up to limit due messages, earliest first.
// SELECT ... FOR UPDATE SKIP LOCKED keeps concurrent processors from claiming
// the same message.
func (s *OutboxStore) FetchPending(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	limit = adapters.DefaultLimit(limit, 100)
	tableQ := s.fullTableName()
	query := `
		WITH claimed AS (
			SELECT seq FROM ` + tableQ + `
			WHERE status = $1 AND scheduled_at <= $2
			ORDER BY scheduled_at, seq
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE ` + tableQ + ` AS o SET
			status = $4,
			last_attempt_at = $2,
			attempts = o.attempts + 1
		FROM claimed
		WHERE o.seq = claimed.seq
		RETURNING o.seq, o.id, o.partition_key, o.message_type, o.destination, o.payload, o.headers,
			o.status, o.attempts, o.max_attempts, o.last_error, o.scheduled_at,
			o.last_attempt_at, o.processed_at, o.created_at
	`

	rows, err := s.db.QueryContext(ctx, query,
		int(adapters.OutboxPending), s.now(), limit, int(adapters.OutboxProcessing))
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres/outbox: failed to fetch pending messages: %w", err)
	}
	defer rows.Close()

	// RETURNING has no ORDER BY, so restore the claim order.
	type claimed struct {
		seq int64
		msg *adapters.OutboxMessage
	}
	var batch []claimed
	for rows.Next() {
		msg := &adapters.OutboxMessage{}
		var seq int64
		var targets messageScanTargets
		if err := rows.Scan(append([]interface{}{&seq}, targets.scanDest(msg)...)...); err != nil {
			return nil, fmt.Errorf("stoat/postgres/outbox: failed to scan message: %w", err)
		}
		if err := targets.populate(msg); err != nil {
			return nil, err
		}
		batch = append(batch, claimed{seq: seq, msg: msg})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stoat/postgres/outbox: error iterating rows: %w", err)
	}

	sort.Slice(batch, func(i, j int) bool {
		a, b := batch[i], batch[j]
		if a.msg.ScheduledAt.Equal(b.msg.ScheduledAt) {
			return a.seq < b.seq
		}
		return a.msg.ScheduledAt.Before(b.msg.ScheduledAt)
	})

	messages := make([]*adapters.OutboxMessage, len(batch))
	for i, c := range batch {
		messages[i] = c.msg
	}
	return messages, nil
}

// MarkCompleted marks messages as successfully delivered.
func (s *OutboxStore) MarkCompleted(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	query := `
		UPDATE ` + s.fullTableName() + ` SET
			status = $1,
			processed_at = $2
		WHERE id = ANY($3)
	`
	if _, err := s.db.ExecContext(ctx, query, int(adapters.OutboxCompleted), s.now(), pq.Array(ids)); err != nil {
		return fmt.Errorf("stoat/postgres/outbox: failed to mark completed: %w", err)
	}
	return nil
}

// MarkFailed marks a message as failed with an error description.
func (s *OutboxStore) MarkFailed(ctx context.Context, id string, lastErr error) error {
	query := `
		UPDATE ` + s.fullTableName() + ` SET
			status = $1,
			last_error = $2
		WHERE id = $3
	`

	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}

	result, err := s.db.ExecContext(ctx, query, int(adapters.OutboxFailed), nullString(errMsg), id)
	if err != nil {
		return fmt.Errorf("stoat/postgres/outbox: failed to mark failed: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("stoat/postgres/outbox: failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return adapters.ErrOutboxMessageNotFound
	}
	return nil
}

// RetryFailed resets failed messages below maxAttempts to pending.
func (s *OutboxStore) RetryFailed(ctx context.Context, maxAttempts int) (int64, error) {
	query := `UPDATE ` + s.fullTableName() + ` SET status = $1 WHERE status = $2 AND attempts < $3`

	result, err := s.db.ExecContext(ctx, query,
		int(adapters.OutboxPending), int(adapters.OutboxFailed), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres/outbox: failed to retry failed messages: %w", err)
	}
	return result.RowsAffected()
}

// MoveToDeadLetter dead-letters failed messages that reached maxAttempts.
func (s *OutboxStore) MoveToDeadLetter(ctx context.Context, maxAttempts int) (int64, error) {
	query := `UPDATE ` + s.fullTableName() + ` SET status = $1 WHERE status = $2 AND attempts >= $3`

	result, err := s.db.ExecContext(ctx, query,
		int(adapters.OutboxDeadLetter), int(adapters.OutboxFailed), maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres/outbox: failed to move to dead letter: %w", err)
	}
	return result.RowsAffected()
}

// RequeueDeadLetters moves dead-lettered messages back to pending with a fresh
// attempt count. With no ids every dead letter is requeued.
func (s *OutboxStore) RequeueDeadLetters(ctx context.Context, ids ...string) (int64, error) {
	query := `
		UPDATE ` + s.fullTableName() + ` SET
			status = $1,
			attempts = 0,
			scheduled_at = $2
		WHERE status = $3
	`
	args := []interface{}{int(adapters.OutboxPending), s.now(), int(adapters.OutboxDeadLetter)}
	if len(ids) > 0 {
		query += ` AND id = ANY($4)`
		args = append(args, pq.Array(ids))
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres/outbox: failed to requeue dead letters: %w", err)
	}
	return result.RowsAffected()
}

// GetDeadLetterMessages retrieves dead-lettered messages.
func (s *OutboxStore) GetDeadLetterMessages(ctx context.Context, limit int) ([]*adapters.OutboxMessage, error) {
	return s.ByStatus(ctx, adapters.OutboxDeadLetter, limit)
}

// ByStatus returns up to limit messages with the given status, in scheduling order.
func (s *OutboxStore) ByStatus(ctx context.Context, status adapters.OutboxStatus, limit int) ([]*adapters.OutboxMessage, error) {
	query := `
		SELECT ` + outboxColumns + `
		FROM ` + s.fullTableName() + `
		WHERE status = $1
		ORDER BY seq
		LIMIT $2
	`

	rows, err := s.db.QueryContext(ctx, query, int(status), adapters.DefaultLimit(limit, 100))
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres/outbox: failed to query messages: %w", err)
	}
	defer rows.Close()

	return s.scanMessages(rows)
}

// CountByStatus returns the count of messages by status.
func (s *OutboxStore) CountByStatus(ctx context.Context) (map[adapters.OutboxStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM `+s.fullTableName()+` GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres/outbox: failed to count messages: %w", err)
	}
	defer rows.Close()

	counts := make(map[adapters.OutboxStatus]int64)
	for rows.Next() {
		var status int
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("stoat/postgres/outbox: failed to scan count: %w", err)
		}
		counts[adapters.OutboxStatus(status)] = count
	}
	return counts, rows.Err()
}

// Cleanup removes completed messages processed before now minus olderThan.
func (s *OutboxStore) Cleanup(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM ` + s.fullTableName() + `
		WHERE status = $1 AND processed_at IS NOT NULL AND processed_at < $2
	`

	result, err := s.db.ExecContext(ctx, query, int(adapters.OutboxCompleted), s.now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("stoat/postgres/outbox: failed to cleanup: %w", err)
	}
	return result.RowsAffected()
}

// Close releases any resources (no-op as db is shared).
func (s *OutboxStore) Close() error {
	return nil
}

// get retrieves a single outbox message by ID.
func (s *OutboxStore) get(ctx context.Context, id string) (*adapters.OutboxMessage, error) {
	query := `SELECT ` + outboxColumns + ` FROM ` + s.fullTableName() + ` WHERE id = $1`

	msg := &adapters.OutboxMessage{}
	var targets messageScanTargets

	err := s.db.QueryRowContext(ctx, query, id).Scan(targets.scanDest(msg)...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, adapters.ErrOutboxMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres/outbox: failed to get message: %w", err)
	}

	if err := targets.populate(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// messageScanTargets holds the temporary scan targets for reading an OutboxMessage row.
type messageScanTargets struct {
	headersJSON   []byte
	status        int
	lastError     sql.NullString
	lastAttemptAt sql.NullTime
	processedAt   sql.NullTime
}

// scanDest returns the ordered list of scan destinations matching outboxColumns.
func (t *messageScanTargets) scanDest(msg *adapters.OutboxMessage) []interface{} {
	return []interface{}{
		&msg.ID, &msg.PartitionKey, &msg.MessageType, &msg.Destination,
		&msg.Payload, &t.headersJSON, &t.status, &msg.Attempts,
		&msg.MaxAttempts, &t.lastError, &msg.ScheduledAt,
		&t.lastAttemptAt, &t.processedAt, &msg.CreatedAt,
	}
}

// populate applies the scanned nullable fields onto the message.
func (t *messageScanTargets) populate(msg *adapters.OutboxMessage) error {
	msg.Status = adapters.OutboxStatus(t.status)
	msg.LastError = t.lastError.String
	msg.LastAttemptAt = timePtr(t.lastAttemptAt)
	msg.ProcessedAt = timePtr(t.processedAt)
	if len(t.headersJSON) > 0 && string(t.headersJSON) != "null" {
		if err := json.Unmarshal(t.headersJSON, &msg.Headers); err != nil {
			return fmt.Errorf("stoat/postgres/outbox: failed to unmarshal headers: %w", err)
		}
	}
	return nil
}

// scanMessages scans rows into an OutboxMessage slice.
func (s *OutboxStore) scanMessages(rows *sql.Rows) ([]*adapters.OutboxMessage, error) {
	var messages []*adapters.OutboxMessage

	for rows.Next() {
		msg := &adapters.OutboxMessage{}
		var targets messageScanTargets

		if err := rows.Scan(targets.scanDest(msg)...); err != nil {
			return nil, fmt.Errorf("stoat/postgres/outbox: failed to scan message: %w", err)
		}
		if err := targets.populate(msg); err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("stoat/postgres/outbox: error iterating rows: %w", err)
	}
	return messages, nil
}
