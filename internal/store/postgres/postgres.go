// Package postgres implements the store.Store interface backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// tables implements store.Store over anything that can run queries, so the
// pooled store and a transaction share one implementation.
type tables struct {
	q executor
}

func (t tables) LoadGateState(ctx context.Context) (*model.GateState, error) {
	return queryLoadGateState(ctx, t.q)
}

func (t tables) SaveGateState(ctx context.Context, st *model.GateState) error {
	return querySaveGateState(ctx, t.q, st)
}

func (t tables) RecordDecision(ctx context.Context, d model.TriggerDecision) error {
	return queryRecordDecision(ctx, t.q, d)
}

func (t tables) ResolveDecision(ctx context.Context, id string, outcome model.Outcome, at time.Time) error {
	return queryResolveDecision(ctx, t.q, id, outcome, at)
}

func (t tables) ListDecisions(ctx context.Context, limit int) ([]*model.DecisionRecord, error) {
	return queryListDecisions(ctx, t.q, limit)
}

// Close is a no-op; inside a transaction the parent store owns the pool.
func (tables) Close() error { return nil }

// PostgresStore keeps the gate_state row and the decisions log.
type PostgresStore struct {
	tables
	db *sql.DB
}

var (
	_ store.Store      = (*PostgresStore)(nil)
	_ store.Transactor = (*PostgresStore)(nil)
)

func newStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{tables: tables{q: db}, db: db}
}

// New connects, sizes the pool for a single writer and migrates to the
// latest schema.
func New(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	return newStore(db), nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("migrations source: %w", err)
	}
	drv, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "paygate_schema_migrations"})
	if err != nil {
		return fmt.Errorf("migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", drv)
	if err != nil {
		return fmt.Errorf("migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// RunInTransaction hands fn a store bound to one transaction and commits
// when fn returns nil.
func (s *PostgresStore) RunInTransaction(ctx context.Context, fn func(tx store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tables{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
