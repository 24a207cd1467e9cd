package telemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the replicator's instruments. With telemetry
// disabled these resolve against the no-op provider and cost nothing.
type Metrics struct {
	EventsProcessed metric.Int64Counter
	EventsFailed    metric.Int64Counter
	DeadLettered    metric.Int64Counter
	JournalFolded   metric.Int64Counter
	RefreshDuration metric.Float64Histogram
}

// NewMetrics creates the replicator instrument set.
func NewMetrics() (*Metrics, error) {
	meter := Meter("")
	m := &Metrics{}
	var err error
	if m.EventsProcessed, err = meter.Int64Counter("dmart.events.processed",
		metric.WithDescription("Events refreshed and acknowledged")); err != nil {
		return nil, err
	}
	if m.EventsFailed, err = meter.Int64Counter("dmart.events.failed",
		metric.WithDescription("Event deliveries that failed and were released for retry")); err != nil {
		return nil, err
	}
	if m.DeadLettered, err = meter.Int64Counter("dmart.deadletter.total",
		metric.WithDescription("Events moved to the dead-letter table")); err != nil {
		return nil, err
	}
	if m.JournalFolded, err = meter.Int64Counter("dmart.journal.folded",
		metric.WithDescription("Report updates folded into aggregate counters")); err != nil {
		return nil, err
	}
	if m.RefreshDuration, err = meter.Float64Histogram("dmart.refresh.duration",
		metric.WithDescription("Per-entity refresh duration"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	return m, nil
}
