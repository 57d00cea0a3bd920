// Package store provides storage backends for CivicPipe.
//
// Conversation sessions, published flow documents, availability schedules, inbound
// deduplication records and the outbound message outbox all live behind the Store
// interface. SQLite, Postgres and an in-memory implementation are provided.
package store

import (
	"context"
	"errors"
	"strings"
)

// Errors shared by all backends.
var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
)

// DSN types recognised by DetectDSNType.
const (
	DSNTypeSQLite   = "sqlite3"
	DSNTypePostgres = "postgres"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store implementations.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithPostgresDSN sets the Postgres connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports whether dsn points at Postgres or at a SQLite file.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Store aggregates every repository the router and its API need.
type Store interface {
	SessionRepo
	FlowRepo
	ScheduleRepo
	DedupRepo
	OutboxRepo
	Close() error
}

// New opens the backend matching dsn. An empty dsn yields an in-memory store.
func New(ctx context.Context, dsn string) (Store, error) {
	if dsn == "" {
		return NewInMemoryStore(), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if DetectDSNType(dsn) == DSNTypePostgres {
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}
