// Package postgres provides PostgreSQL implementations of the stoat storage
// adapters: saga persistence, the transactional outbox and idempotency
// records. Connections use the pgx driver through database/sql.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "stoat"

// Sentinel errors for the postgres adapter.
// These are aliases to the adapters package errors for compatibility with errors.Is().
var (
	ErrAdapterClosed         = adapters.ErrAdapterClosed
	ErrConcurrencyConflict   = adapters.ErrConcurrencyConflict
	ErrSagaNotFound          = adapters.ErrSagaNotFound
	ErrOutboxMessageNotFound = adapters.ErrOutboxMessageNotFound
)

var schemaNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Adapter owns a PostgreSQL connection pool shared by the stores.
type Adapter struct {
	db     *sql.DB
	schema string
	now    func() time.Time
	closed bool
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithSchema sets the database schema name.
func WithSchema(schema string) Option {
	return func(a *Adapter) {
		a.schema = schema
	}
}

// WithClock sets the time source handed to the stores.
func WithClock(now func() time.Time) Option {
	return func(a *Adapter) {
		a.now = now
	}
}

// WithMaxConnections sets the maximum number of open connections.
func WithMaxConnections(n int) Option {
	return func(a *Adapter) {
		a.db.SetMaxOpenConns(n)
	}
}

// WithMaxIdleConnections sets the maximum number of idle connections.
func WithMaxIdleConnections(n int) Option {
	return func(a *Adapter) {
		a.db.SetMaxIdleConns(n)
	}
}

// WithConnectionMaxLifetime sets the maximum connection lifetime.
func WithConnectionMaxLifetime(d time.Duration) Option {
	return func(a *Adapter) {
		a.db.SetConnMaxLifetime(d)
	}
}

// NewAdapter opens a connection pool for connStr.
func NewAdapter(connStr string, opts ...Option) (*Adapter, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("stoat/postgres: failed to open database: %w", err)
	}
	return NewAdapterWithDB(db, opts...), nil
}

// NewAdapterWithDB creates an adapter with an existing database connection.
func NewAdapterWithDB(db *sql.DB, opts ...Option) *Adapter {
	a := &Adapter{
		db:     db,
		schema: DefaultSchema,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// SagaStore returns a saga store in the adapter's schema.
func (a *Adapter) SagaStore(opts ...SagaStoreOption) *SagaStore {
	base := []SagaStoreOption{WithSagaSchema(a.schema), WithSagaClock(a.now)}
	return NewSagaStore(a.db, append(base, opts...)...)
}

// OutboxStore returns an outbox store in the adapter's schema.
func (a *Adapter) OutboxStore(opts ...OutboxStoreOption) *OutboxStore {
	base := []OutboxStoreOption{WithOutboxSchema(a.schema), WithOutboxClock(a.now)}
	return NewOutboxStore(a.db, append(base, opts...)...)
}

// IdempotencyStore returns an idempotency store in the adapter's schema.
func (a *Adapter) IdempotencyStore(opts ...IdempotencyStoreOption) *IdempotencyStore {
	base := []IdempotencyStoreOption{WithIdempotencySchema(a.schema), WithIdempotencyClock(a.now)}
	return NewIdempotencyStore(a.db, append(base, opts...)...)
}

// Migrate creates the schema and the tables of every store.
func (a *Adapter) Migrate(ctx context.Context) error {
	if a.closed {
		return ErrAdapterClosed
	}
	if err := validateIdentifier(a.schema, "schema"); err != nil {
		return err
	}

	if _, err := a.db.ExecContext(ctx, `CREATE SCHEMA IF NOT EXISTS `+quoteIdentifier(a.schema)); err != nil {
		return fmt.Errorf("stoat/postgres: failed to create schema: %w", err)
	}

	if err := a.SagaStore().Initialize(ctx); err != nil {
		return err
	}
	if err := a.OutboxStore().Initialize(ctx); err != nil {
		return err
	}
	return a.IdempotencyStore().Initialize(ctx)
}

// Ping checks database connectivity.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.closed {
		return ErrAdapterClosed
	}
	return a.db.PingContext(ctx)
}

// DB returns the underlying database connection.
func (a *Adapter) DB() *sql.DB {
	return a.db
}

// Schema returns the schema name.
func (a *Adapter) Schema() string {
	return a.schema
}

// Close releases the database connection.
func (a *Adapter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	return a.db.Close()
}

// validateIdentifier checks if a name is a valid PostgreSQL identifier.
func validateIdentifier(name, kind string) error {
	if name == "" {
		return fmt.Errorf("stoat/postgres: %s name cannot be empty", kind)
	}
	if len(name) > 63 {
		return fmt.Errorf("stoat/postgres: %s name exceeds 63 characters", kind)
	}
	if !schemaNamePattern.MatchString(name) {
		return fmt.Errorf("stoat/postgres: %s name contains invalid characters", kind)
	}
	return nil
}

// quoteIdentifier quotes a PostgreSQL identifier.
func quoteIdentifier(name string) string {
	return pq.QuoteIdentifier(name)
}

// quoteQualifiedTable returns "schema"."table".
func quoteQualifiedTable(schema, table string) string {
	return quoteIdentifier(schema) + "." + quoteIdentifier(table)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
