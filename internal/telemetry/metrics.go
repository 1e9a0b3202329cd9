// Package telemetry instruments the acquisition loop with OpenTelemetry
// metrics and persists a per-run snapshot of them.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of every acquisition metric.
const MeterName = "github.com/drew-sinha/rpc-scope/acquisition"

const (
	MetricVisits            = "scope_visits_total"
	MetricVisitDuration     = "scope_visit_duration_seconds"
	MetricFocusDecisions    = "scope_focus_decisions_total"
	MetricHeartbeats        = "scope_heartbeats_total"
	MetricWaitDuration      = "scope_wait_duration_seconds"
	MetricMissingTimestamps = "scope_missing_timestamps_total"
)

// Metrics holds the acquisition instruments. A nil *Metrics records
// nothing.
type Metrics struct {
	visits            metric.Int64Counter
	visitDuration     metric.Float64Histogram
	focusDecisions    metric.Int64Counter
	heartbeats        metric.Int64Counter
	waitDuration      metric.Float64Histogram
	missingTimestamps metric.Int64Counter
}

// NewMetrics creates the instruments on provider. If provider is nil, it
// returns nil (no-op metrics).
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		return nil, nil
	}
	meter := provider.Meter(MeterName)

	visits, err := meter.Int64Counter(MetricVisits,
		metric.WithDescription("Visits completed, by kind and finality"),
		metric.WithUnit("{visit}"))
	if err != nil {
		return nil, err
	}
	visitDuration, err := meter.Float64Histogram(MetricVisitDuration,
		metric.WithDescription("Wall-clock duration of a visit"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 2.5, 5, 10, 20, 30, 60, 120, 300))
	if err != nil {
		return nil, err
	}
	focusDecisions, err := meter.Int64Counter(MetricFocusDecisions,
		metric.WithDescription("Focus policy decisions, by action"),
		metric.WithUnit("{decision}"))
	if err != nil {
		return nil, err
	}
	heartbeats, err := meter.Int64Counter(MetricHeartbeats,
		metric.WithDescription("Heartbeats signalled, by sink outcome"),
		metric.WithUnit("{beat}"))
	if err != nil {
		return nil, err
	}
	waitDuration, err := meter.Float64Histogram(MetricWaitDuration,
		metric.WithDescription("Time spent waiting for revisits to become eligible"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 10, 30, 60, 120, 300, 600, 1800))
	if err != nil {
		return nil, err
	}
	missing, err := meter.Int64Counter(MetricMissingTimestamps,
		metric.WithDescription("Frames acquired without a camera timestamp"),
		metric.WithUnit("{frame}"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		visits:            visits,
		visitDuration:     visitDuration,
		focusDecisions:    focusDecisions,
		heartbeats:        heartbeats,
		waitDuration:      waitDuration,
		missingTimestamps: missing,
	}, nil
}

func (m *Metrics) RecordVisit(ctx context.Context, visit int, final bool, d time.Duration) {
	if m == nil {
		return
	}
	kind := "primary"
	if visit > 1 {
		kind = "revisit"
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind), attribute.Bool("final", final))
	m.visits.Add(ctx, 1, attrs)
	m.visitDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordFocus(ctx context.Context, action string) {
	if m == nil {
		return
	}
	m.focusDecisions.Add(ctx, 1, metric.WithAttributes(attribute.String("action", action)))
}

func (m *Metrics) RecordHeartbeat(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	m.heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

func (m *Metrics) RecordWait(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.waitDuration.Record(ctx, d.Seconds())
}

func (m *Metrics) RecordMissingTimestamps(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.missingTimestamps.Add(ctx, int64(n))
}
