// Package telemetry exposes the gate's OpenTelemetry instruments.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alfredjeanlab/paygate/internal/model"
)

const meterName = "github.com/alfredjeanlab/paygate/gate"

// Metrics holds the gate counters. A nil *Metrics is valid and records nothing.
type Metrics struct {
	signals         metric.Int64Counter
	rejected        metric.Int64Counter
	decisions       metric.Int64Counter
	suppressed      metric.Int64Counter
	feedback        metric.Int64Counter
	persistFailures metric.Int64Counter
}

// NewMetrics registers the gate instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	meter := mp.Meter(meterName)
	m := &Metrics{}
	var err error
	if m.signals, err = meter.Int64Counter("paygate.signals.ingested",
		metric.WithDescription("Presence signal events accepted by the gate")); err != nil {
		return nil, fmt.Errorf("signals counter: %w", err)
	}
	if m.rejected, err = meter.Int64Counter("paygate.signals.rejected",
		metric.WithDescription("Presence signal events rejected as invalid or stale")); err != nil {
		return nil, fmt.Errorf("rejected counter: %w", err)
	}
	if m.decisions, err = meter.Int64Counter("paygate.decisions.emitted",
		metric.WithDescription("Payment prompt decisions emitted")); err != nil {
		return nil, fmt.Errorf("decisions counter: %w", err)
	}
	if m.suppressed, err = meter.Int64Counter("paygate.decisions.suppressed",
		metric.WithDescription("Policy evaluations that did not emit a decision")); err != nil {
		return nil, fmt.Errorf("suppressed counter: %w", err)
	}
	if m.feedback, err = meter.Int64Counter("paygate.feedback.received",
		metric.WithDescription("Decision outcomes applied, including timeouts")); err != nil {
		return nil, fmt.Errorf("feedback counter: %w", err)
	}
	if m.persistFailures, err = meter.Int64Counter("paygate.persist.failures",
		metric.WithDescription("Gate state writes that failed after retry")); err != nil {
		return nil, fmt.Errorf("persist counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) SignalIngested(ctx context.Context, kind model.SignalKind, event model.EventKind) {
	if m == nil {
		return
	}
	m.signals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.String("event", string(event)),
	))
}

func (m *Metrics) SignalRejected(ctx context.Context, kind model.SignalKind) {
	if m == nil {
		return
	}
	m.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func (m *Metrics) DecisionEmitted(ctx context.Context, reason string, route model.Route) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
		attribute.String("route", string(route)),
	))
}

func (m *Metrics) DecisionSuppressed(ctx context.Context, cause string) {
	if m == nil {
		return
	}
	m.suppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
}

func (m *Metrics) FeedbackApplied(ctx context.Context, outcome model.Outcome) {
	if m == nil {
		return
	}
	m.feedback.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
}

func (m *Metrics) PersistFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.persistFailures.Add(ctx, 1)
}
