package sync

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/store"
)

// header is the first JSONL record written by ExportJSONL.
type header struct {
	Version       string    `json:"version"`
	Type          string    `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	StateVersion  int       `json:"state_version,omitempty"`
	DecisionCount int       `json:"decision_count"`
}

// record wraps a single JSONL line with a type discriminator.
type record struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type snapshot struct {
	state     *model.GateState
	decisions []*model.DecisionRecord
}

// Export is one rendered snapshot ready to hand to a Destination.
type Export struct {
	Data          []byte
	StateVersion  int
	DecisionCount int
	Pending       int
	GeneratedAt   time.Time

	// Digest covers every line after the header, so two exports of an
	// unchanged store share a digest even though their timestamps differ.
	Digest string
}

// ExportJSONL writes the persisted gate state and the full decision history
// as JSONL to w. Decisions are written oldest first.
func ExportJSONL(ctx context.Context, s store.Store, w io.Writer) error {
	snap, err := collect(ctx, s)
	if err != nil {
		return err
	}
	_, err = writeSnapshot(w, snap, time.Now().UTC())
	return err
}

// BuildExport renders the store into an Export.
func BuildExport(ctx context.Context, s store.Store) (*Export, error) {
	snap, err := collect(ctx, s)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	now := time.Now().UTC()
	digest, err := writeSnapshot(&buf, snap, now)
	if err != nil {
		return nil, err
	}
	ex := &Export{
		Data:          buf.Bytes(),
		DecisionCount: len(snap.decisions),
		GeneratedAt:   now,
		Digest:        digest,
	}
	if snap.state != nil {
		ex.StateVersion = snap.state.Version
	}
	for _, d := range snap.decisions {
		if d.Outcome == "" {
			ex.Pending++
		}
	}
	return ex, nil
}

// collect reads inside one transaction when the store is a store.Transactor.
func collect(ctx context.Context, s store.Store) (snapshot, error) {
	var snap snapshot
	read := func(rs store.Store) error {
		var err error
		snap, err = readSnapshot(ctx, rs)
		return err
	}
	if tx, ok := s.(store.Transactor); ok {
		return snap, tx.RunInTransaction(ctx, read)
	}
	return snap, read(s)
}

func readSnapshot(ctx context.Context, s store.Store) (snapshot, error) {
	var snap snapshot
	st, err := s.LoadGateState(ctx)
	switch {
	case err == nil:
		snap.state = st
	case errors.Is(err, store.ErrNotFound):
	default:
		return snap, fmt.Errorf("load gate state: %w", err)
	}

	decisions, err := s.ListDecisions(ctx, 0)
	if err != nil {
		return snap, fmt.Errorf("list decisions: %w", err)
	}
	sort.SliceStable(decisions, func(i, j int) bool {
		if !decisions[i].At.Equal(decisions[j].At) {
			return decisions[i].At.Before(decisions[j].At)
		}
		return decisions[i].ID < decisions[j].ID
	})
	snap.decisions = decisions
	return snap, nil
}

func writeSnapshot(w io.Writer, snap snapshot, now time.Time) (string, error) {
	h := header{
		Version:       "1",
		Type:          "header",
		Timestamp:     now,
		DecisionCount: len(snap.decisions),
	}
	if snap.state != nil {
		h.StateVersion = snap.state.Version
	}
	if err := encodeLine(w, h); err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}

	sum := sha256.New()
	body := io.MultiWriter(w, sum)
	if snap.state != nil {
		if err := encodeLine(body, record{Type: "state", Data: snap.state}); err != nil {
			return "", fmt.Errorf("encode state: %w", err)
		}
	}
	for _, d := range snap.decisions {
		if err := encodeLine(body, record{Type: "decision", Data: d}); err != nil {
			return "", fmt.Errorf("encode decision %s: %w", d.ID, err)
		}
	}
	return hex.EncodeToString(sum.Sum(nil)), nil
}

func encodeLine(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
