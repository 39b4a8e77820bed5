package postgres

import (
	"database/sql"
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
)

// scannable is the interface satisfied by both *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

// scanDecision scans a single row into a model.DecisionRecord.
// The row must contain columns in the order defined by decisionColumns.
func scanDecision(row scannable) (*model.DecisionRecord, error) {
	var (
		rec        model.DecisionRecord
		route      string
		outcome    sql.NullString
		resolvedAt sql.NullTime
	)
	err := row.Scan(
		&rec.ID,
		&rec.Reason,
		&rec.Geo,
		&rec.Beacon,
		&rec.Wifi,
		&route,
		&rec.At,
		&outcome,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Route = model.Route(route)
	rec.At = rec.At.UTC()
	if outcome.Valid {
		rec.Outcome = model.Outcome(outcome.String)
	}
	rec.ResolvedAt = timePtr(resolvedAt)
	return &rec, nil
}

func scanDecisions(rows *sql.Rows) ([]*model.DecisionRecord, error) {
	var out []*model.DecisionRecord
	for rows.Next() {
		rec, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
