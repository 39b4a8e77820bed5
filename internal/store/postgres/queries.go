package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/store"
)

// decisionColumns is the column list used for SELECT statements on the
// decisions table.
const decisionColumns = `id, reason, geo, beacon, wifi, route, decided_at, outcome, resolved_at`

// executor is the interface satisfied by both *sql.DB and *sql.Tx.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func queryLoadGateState(ctx context.Context, db executor) (*model.GateState, error) {
	var data []byte
	err := db.QueryRowContext(ctx, `SELECT state FROM gate_state WHERE id = $1`, model.GateStateID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load gate state: %w", err)
	}
	return model.DecodeState(data)
}

func querySaveGateState(ctx context.Context, db executor, st *model.GateState) error {
	data, err := model.EncodeState(st)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO gate_state (id, version, state, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			version = EXCLUDED.version,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at`,
		model.GateStateID,
		model.StateVersion,
		data,
	)
	if err != nil {
		return fmt.Errorf("save gate state: %w", err)
	}
	return nil
}

func queryRecordDecision(ctx context.Context, db executor, d model.TriggerDecision) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO decisions (id, reason, geo, beacon, wifi, route, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		d.ID,
		d.Reason,
		d.Geo,
		d.Beacon,
		d.Wifi,
		string(d.Route),
		d.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record decision %s: %w", d.ID, err)
	}
	return nil
}

// queryResolveDecision stores the first outcome reported for a decision;
// later outcomes leave the row unchanged.
func queryResolveDecision(ctx context.Context, db executor, id string, outcome model.Outcome, at time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE decisions SET
			outcome = COALESCE(outcome, $2),
			resolved_at = COALESCE(resolved_at, $3)
		WHERE id = $1`,
		id,
		string(outcome),
		at.UTC(),
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

func queryListDecisions(ctx context.Context, db executor, limit int) ([]*model.DecisionRecord, error) {
	q := `SELECT ` + decisionColumns + ` FROM decisions ORDER BY decided_at DESC, id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()
	return scanDecisions(rows)
}
