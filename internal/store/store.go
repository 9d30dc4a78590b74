// Package store is the authority's persistence layer: PostgreSQL behind
// sqlx, schema managed by embedded goose migrations. The authority is the
// only process that opens this database; ingress and workers reach it
// through the authority API. All message state transitions are expressed
// as conditional updates so concurrent writers cannot double-apply them.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // register the pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/couriermq/courier/internal/fault"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the authority database.
type Store struct {
	db *sqlx.DB
}

// Open connects to PostgreSQL, verifies the connection, and applies any
// pending migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to store: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// New wraps an existing database handle without running migrations.
// Used by tests that substitute a mocked driver.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database reachability. Used by health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(s.db.DB, "migrations")
}

// classify maps database errors onto the shared taxonomy: unique-key
// violations become Conflict, everything else is a transient store
// outage from the caller's point of view.
func classify(err error, msg string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fault.Wrap(fault.Conflict, err, msg+": already exists")
	}
	return fault.Wrap(fault.Transient, err, msg)
}

// notFound distinguishes an absent row from a store outage.
func notFound(err error, msg string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.NotFound, msg)
	}
	return classify(err, msg)
}
