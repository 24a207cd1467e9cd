package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/entitygraph/datamart/internal/storage"
	"github.com/entitygraph/datamart/internal/types"
)

const storageScopeName = "github.com/entitygraph/datamart/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in dmart.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStorage struct {
	inner  storage.Storage
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("dmart.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("dmart.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("dmart.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	return &InstrumentedStorage{
		inner:  s,
		tracer: Tracer(storageScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Pending-event queue ─────────────────────────────────────────────────────

func (s *InstrumentedStorage) Enqueue(ctx context.Context, payload string) (int64, error) {
	ctx, span, t := s.op(ctx, "Enqueue")
	id, err := s.inner.Enqueue(ctx, payload)
	s.done(ctx, span, t, err)
	return id, err
}

func (s *InstrumentedStorage) LeaseBatch(ctx context.Context, workerID string, limit int, leaseFor time.Duration) ([]storage.LeasedEvent, error) {
	attrs := []attribute.KeyValue{attribute.String("dmart.worker", workerID)}
	ctx, span, t := s.op(ctx, "LeaseBatch", attrs...)
	events, err := s.inner.LeaseBatch(ctx, workerID, limit, leaseFor)
	s.done(ctx, span, t, err, attrs...)
	return events, err
}

func (s *InstrumentedStorage) Ack(ctx context.Context, eventID int64, leaseID string) error {
	ctx, span, t := s.op(ctx, "Ack")
	err := s.inner.Ack(ctx, eventID, leaseID)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	ctx, span, t := s.op(ctx, "ReleaseExpiredLeases")
	n, err := s.inner.ReleaseExpiredLeases(ctx)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) RecordEventFailure(ctx context.Context, eventID int64, cause string) (int, error) {
	ctx, span, t := s.op(ctx, "RecordEventFailure")
	count, err := s.inner.RecordEventFailure(ctx, eventID, cause)
	s.done(ctx, span, t, err)
	return count, err
}

func (s *InstrumentedStorage) MoveToDeadLetter(ctx context.Context, eventID int64, cause string) error {
	ctx, span, t := s.op(ctx, "MoveToDeadLetter")
	err := s.inner.MoveToDeadLetter(ctx, eventID, cause)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) DeadLetters(ctx context.Context, limit int) ([]storage.DeadLetterEvent, error) {
	ctx, span, t := s.op(ctx, "DeadLetters")
	out, err := s.inner.DeadLetters(ctx, limit)
	s.done(ctx, span, t, err)
	return out, err
}

func (s *InstrumentedStorage) QueueStats(ctx context.Context) (*storage.QueueStats, error) {
	ctx, span, t := s.op(ctx, "QueueStats")
	stats, err := s.inner.QueueStats(ctx)
	s.done(ctx, span, t, err)
	return stats, err
}

// ── Entity state ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) GetEntityHash(ctx context.Context, entityID int64) (string, error) {
	ctx, span, t := s.op(ctx, "GetEntityHash")
	hash, err := s.inner.GetEntityHash(ctx, entityID)
	s.done(ctx, span, t, err)
	return hash, err
}

func (s *InstrumentedStorage) GetEntity(ctx context.Context, entityID int64) (*storage.EntityRow, error) {
	ctx, span, t := s.op(ctx, "GetEntity")
	row, err := s.inner.GetEntity(ctx, entityID)
	s.done(ctx, span, t, err)
	return row, err
}

func (s *InstrumentedStorage) GetRelationship(ctx context.Context, lo, hi int64) (*storage.RelationshipRow, error) {
	ctx, span, t := s.op(ctx, "GetRelationship")
	row, err := s.inner.GetRelationship(ctx, lo, hi)
	s.done(ctx, span, t, err)
	return row, err
}

func (s *InstrumentedStorage) ListDataSources(ctx context.Context) ([]string, error) {
	ctx, span, t := s.op(ctx, "ListDataSources")
	out, err := s.inner.ListDataSources(ctx)
	s.done(ctx, span, t, err)
	return out, err
}

// ── Report counters and journal ─────────────────────────────────────────────

func (s *InstrumentedStorage) GetReportCounter(ctx context.Context, key types.ReportKey) (*storage.ReportCounter, error) {
	attrs := []attribute.KeyValue{attribute.String("dmart.report_key", key.String())}
	ctx, span, t := s.op(ctx, "GetReportCounter", attrs...)
	counter, err := s.inner.GetReportCounter(ctx, key)
	s.done(ctx, span, t, err, attrs...)
	return counter, err
}

func (s *InstrumentedStorage) ListReportCounters(ctx context.Context, prefix string) ([]storage.ReportCounter, error) {
	ctx, span, t := s.op(ctx, "ListReportCounters")
	out, err := s.inner.ListReportCounters(ctx, prefix)
	s.done(ctx, span, t, err)
	return out, err
}

func (s *InstrumentedStorage) EnsureReportCounters(ctx context.Context, keys []types.ReportKey) error {
	ctx, span, t := s.op(ctx, "EnsureReportCounters")
	err := s.inner.EnsureReportCounters(ctx, keys)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) FoldReportUpdates(ctx context.Context, limit int) (int, error) {
	ctx, span, t := s.op(ctx, "FoldReportUpdates")
	n, err := s.inner.FoldReportUpdates(ctx, limit)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) PendingReportUpdates(ctx context.Context) (int64, error) {
	ctx, span, t := s.op(ctx, "PendingReportUpdates")
	n, err := s.inner.PendingReportUpdates(ctx)
	s.done(ctx, span, t, err)
	return n, err
}

// ── Pagination primitives ───────────────────────────────────────────────────

func (s *InstrumentedStorage) ScanDetails(ctx context.Context, scan storage.DetailScan) ([]storage.DetailRow, error) {
	ctx, span, t := s.op(ctx, "ScanDetails")
	out, err := s.inner.ScanDetails(ctx, scan)
	s.done(ctx, span, t, err)
	return out, err
}

func (s *InstrumentedStorage) CountDetails(ctx context.Context, keys []string, relations bool) (int64, error) {
	ctx, span, t := s.op(ctx, "CountDetails")
	n, err := s.inner.CountDetails(ctx, keys, relations)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) CountDetailsBefore(ctx context.Context, keys []string, relations bool, point storage.DetailPoint) (int64, error) {
	ctx, span, t := s.op(ctx, "CountDetailsBefore")
	n, err := s.inner.CountDetailsBefore(ctx, keys, relations, point)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) CountDetailsAfter(ctx context.Context, keys []string, relations bool, point storage.DetailPoint) (int64, error) {
	ctx, span, t := s.op(ctx, "CountDetailsAfter")
	n, err := s.inner.CountDetailsAfter(ctx, keys, relations, point)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) DetailExtrema(ctx context.Context, keys []string, relations bool) (*storage.DetailPoint, *storage.DetailPoint, error) {
	ctx, span, t := s.op(ctx, "DetailExtrema")
	min, max, err := s.inner.DetailExtrema(ctx, keys, relations)
	s.done(ctx, span, t, err)
	return min, max, err
}

// ── Transactions ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	ctx, span, t := s.op(ctx, "RunInTransaction")
	err := s.inner.RunInTransaction(ctx, fn)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
