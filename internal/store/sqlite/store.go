// Package sqlite persists the gate record in a local SQLite file, for
// single-device deployments where the state must survive a restart without
// a database server.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/store"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements store.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens (creating if needed) the database at path and applies the
// embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := runMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("create migration db driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) LoadGateState(ctx context.Context) (*model.GateState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM gate_state WHERE id = ?`, model.GateStateID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load gate state: %w", err)
	}
	return model.DecodeState([]byte(data))
}

func (s *Store) SaveGateState(ctx context.Context, st *model.GateState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := model.EncodeState(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO gate_state (id, version, state, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		model.GateStateID, model.StateVersion, string(data), toMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("save gate state: %w", err)
	}
	return nil
}

func (s *Store) RecordDecision(ctx context.Context, d model.TriggerDecision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decisions (id, reason, geo, beacon, wifi, route, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.Reason, d.Geo, d.Beacon, d.Wifi, string(d.Route), toMillis(d.At),
	)
	if err != nil {
		return fmt.Errorf("record decision %s: %w", d.ID, err)
	}
	return nil
}

func (s *Store) ResolveDecision(ctx context.Context, id string, outcome model.Outcome, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE decisions SET
			outcome = COALESCE(outcome, ?),
			resolved_at = COALESCE(resolved_at, ?)
		WHERE id = ?`,
		string(outcome), toMillis(at), id,
	)
	if err != nil {
		return fmt.Errorf("resolve decision %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve decision %s: %w", id, err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListDecisions(ctx context.Context, limit int) ([]*model.DecisionRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, reason, geo, beacon, wifi, route, decided_at, outcome, resolved_at
		FROM decisions
		ORDER BY decided_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []*model.DecisionRecord
	for rows.Next() {
		var (
			rec        model.DecisionRecord
			route      string
			decidedAt  int64
			outcome    sql.NullString
			resolvedAt sql.NullInt64
		)
		if err := rows.Scan(&rec.ID, &rec.Reason, &rec.Geo, &rec.Beacon, &rec.Wifi,
			&route, &decidedAt, &outcome, &resolvedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		rec.Route = model.Route(route)
		rec.At = fromMillis(decidedAt)
		if outcome.Valid {
			rec.Outcome = model.Outcome(outcome.String)
		}
		if resolvedAt.Valid {
			t := fromMillis(resolvedAt.Int64)
			rec.ResolvedAt = &t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
