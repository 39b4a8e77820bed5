package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alfredjeanlab/paygate/internal/gate"
	"github.com/alfredjeanlab/paygate/internal/model"
	"github.com/alfredjeanlab/paygate/internal/presence"
	"github.com/alfredjeanlab/paygate/internal/ui"
)

const timeLayout = "2006-01-02 15:04:05"

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling JSON: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func printDecisionLine(w io.Writer, d model.TriggerDecision) {
	fmt.Fprintf(w, "%s  %s  %-18s %s\n",
		d.At.Local().Format(timeLayout), d.ID, d.Reason, ui.RenderRoute(d.Route))
}

func printDecisionTable(w io.Writer, records []*model.DecisionRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("no decisions"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tAT\tREASON\tROUTE\tOUTCOME\tRESOLVED")
	for _, r := range records {
		at := r.At
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, formatTime(&at), r.Reason, ui.RenderRoute(r.Route),
			ui.RenderOutcome(r.Outcome), formatTime(r.ResolvedAt))
	}
	tw.Flush()
}

func printSnapshot(w io.Writer, snap *gate.Snapshot) {
	st := snap.State
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Phase:\t%s\n", ui.RenderPhase(snap.Phase))
	fmt.Fprintf(tw, "Foreground:\t%t\n", snap.Foreground)
	if snap.Degraded {
		fmt.Fprintf(tw, "Persistence:\t%s\n", ui.RenderHealth("degraded"))
	}
	if st != nil {
		fmt.Fprintf(tw, "Version:\t%d\n", st.Version)
		fmt.Fprintf(tw, "Last prompt:\t%s %s\n", formatTime(st.LastPromptAt), st.LastPromptReason)
		fmt.Fprintf(tw, "Cooldown until:\t%s\n", formatTime(st.CooldownUntil))
		if len(st.Pending) > 0 {
			ids := make([]string, 0, len(st.Pending))
			for _, p := range st.Pending {
				ids = append(ids, p.ID)
			}
			fmt.Fprintf(tw, "Pending:\t%s\n", strings.Join(ids, ", "))
		}
	}
	tw.Flush()

	if st == nil || len(st.Signals) == 0 {
		return
	}
	fmt.Fprintln(w)
	kinds := make([]model.SignalKind, 0, len(st.Signals))
	for k := range st.Signals {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	tw = tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SIGNAL\tACTIVE\tSTABLE\tLAST EVENT\tCHANGED")
	for _, k := range kinds {
		s := st.Signals[k]
		changed := s.LastChangedAt
		fmt.Fprintf(tw, "%s\t%t\t%t\t%s\t%s\n", k, s.Active, s.Stable, s.LastEventKind, formatTime(&changed))
	}
	tw.Flush()
}

func printSources(w io.Writer, entries []presence.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, ui.RenderMuted("no sources"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tKIND\tLAST EVENT\tACTIVE\tIDLE\tEVENTS")
	for _, e := range entries {
		idle := (time.Duration(e.IdleSecs) * time.Second).String()
		if e.Reaped {
			idle += " " + ui.RenderMuted("(dead)")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\t%d\n", e.Source, e.Kind, e.LastEvent, e.Active, idle, e.EventCount)
	}
	tw.Flush()
}
