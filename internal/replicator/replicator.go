// Package replicator is the incremental replication engine: it drains
// the durable pending-event queue with a pool of lease-based workers,
// refreshes each affected entity against the ER engine, and keeps the
// report-update journal folded into the aggregate counters.
package replicator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/im7mortal/kmutex"
	"golang.org/x/sync/errgroup"

	"github.com/entitygraph/datamart/internal/engine"
	"github.com/entitygraph/datamart/internal/storage"
	"github.com/entitygraph/datamart/internal/telemetry"
	"github.com/entitygraph/datamart/internal/types"
)

// Config tunes the replication engine. Zero values take defaults.
type Config struct {
	Workers         int           // parallel refresh workers
	BatchSize       int           // events leased per batch
	LeaseDuration   time.Duration // must exceed worst-case batch processing time
	PollInterval    time.Duration // idle wait between empty lease attempts
	PoisonThreshold int           // failures before an event is dead-lettered
	FoldInterval    time.Duration // journal fold cadence
	FoldBatch       int           // journal rows folded per pass
	SweepInterval   time.Duration // expired-lease reclaim cadence
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 10
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = 5 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.PoisonThreshold <= 0 {
		c.PoisonThreshold = 5
	}
	if c.FoldInterval <= 0 {
		c.FoldInterval = 5 * time.Second
	}
	if c.FoldBatch <= 0 {
		c.FoldBatch = 1000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

// Replicator owns the worker pool, the journal folder and the lease
// sweeper. One Replicator per mart instance; it is the mart's single
// writer.
type Replicator struct {
	store     storage.Storage
	refresher *Refresher
	cfg       Config
	locks     *kmutex.Kmutex
	metrics   *telemetry.Metrics
	runID     string
}

// New wires a replicator over a store and an engine client.
func New(store storage.Storage, eng engine.Client, cfg Config) (*Replicator, error) {
	metrics, err := telemetry.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("replicator metrics: %w", err)
	}
	return &Replicator{
		store:     store,
		refresher: NewRefresher(store, eng),
		cfg:       cfg.withDefaults(),
		locks:     kmutex.New(),
		metrics:   metrics,
		runID:     uuid.NewString()[:8],
	}, nil
}

// Submit appends a raw event payload to the pending-event queue.
// Consumers deliver through this.
func (r *Replicator) Submit(ctx context.Context, payload string) (int64, error) {
	return r.store.Enqueue(ctx, payload)
}

// Run drives the worker pool until ctx is cancelled. In-flight
// refreshes finish or roll back; unacked leases expire naturally.
func (r *Replicator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		workerID := fmt.Sprintf("%s-%d", r.runID, i)
		g.Go(func() error { return r.workerLoop(ctx, workerID) })
	}
	g.Go(func() error { return r.foldLoop(ctx) })
	g.Go(func() error { return r.sweepLoop(ctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (r *Replicator) workerLoop(ctx context.Context, workerID string) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.processBatch(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("replicator: worker %s: lease batch: %v", workerID, err)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// ProcessBatch leases one batch of pending events and handles them.
// Exposed for one-shot draining and tests; Run calls the same path in
// a loop per worker.
func (r *Replicator) ProcessBatch(ctx context.Context) (int, error) {
	return r.processBatch(ctx, r.runID+"-once")
}

func (r *Replicator) processBatch(ctx context.Context, workerID string) (int, error) {
	events, err := r.store.LeaseBatch(ctx, workerID, r.cfg.BatchSize, r.cfg.LeaseDuration)
	if err != nil {
		return 0, err
	}
	for _, ev := range events {
		r.handleEvent(ctx, ev)
	}
	return len(events), nil
}

func (r *Replicator) handleEvent(ctx context.Context, ev storage.LeasedEvent) {
	start := time.Now()

	var payload types.EventPayload
	if err := json.Unmarshal([]byte(ev.Payload), &payload); err != nil {
		r.deadLetter(ctx, ev.ID, fmt.Sprintf("malformed payload: %v", err))
		return
	}
	ids := payload.EntityIDs()
	if len(ids) == 0 {
		if err := r.store.Ack(ctx, ev.ID, ev.LeaseID); err != nil && !errors.Is(err, storage.ErrStaleLease) {
			log.Printf("replicator: ack empty event %d: %v", ev.ID, err)
		}
		return
	}

	err := r.refreshAll(ctx, ids, ev)
	switch {
	case err == nil:
		r.metrics.EventsProcessed.Add(ctx, 1)
		r.metrics.RefreshDuration.Record(ctx, time.Since(start).Seconds())
	case errors.Is(err, storage.ErrStaleLease):
		// Reclaimed by another worker; its refresh re-drives the same
		// fixed point.
		log.Printf("replicator: event %d lease reclaimed mid-refresh", ev.ID)
	case errors.Is(err, ErrLogic):
		r.deadLetter(ctx, ev.ID, err.Error())
	default:
		r.metrics.EventsFailed.Add(ctx, 1)
		count, ferr := r.store.RecordEventFailure(ctx, ev.ID, err.Error())
		if ferr != nil {
			log.Printf("replicator: record failure for event %d: %v", ev.ID, ferr)
			return
		}
		if count >= r.cfg.PoisonThreshold {
			r.deadLetter(ctx, ev.ID, fmt.Sprintf("failed %d times, last: %v", count, err))
			return
		}
		log.Printf("replicator: event %d failed (%d/%d), released for retry: %v",
			ev.ID, count, r.cfg.PoisonThreshold, err)
	}
}

// refreshAll refreshes each affected entity under its per-entity lock.
// The event ack rides inside the last refresh's transaction, so a
// crash partway through redelivers the event and the earlier
// refreshes, being fixed-point computations, no-op on replay.
func (r *Replicator) refreshAll(ctx context.Context, ids []int64, ev storage.LeasedEvent) error {
	for i, entityID := range ids {
		var ack func(context.Context, storage.Transaction) error
		if i == len(ids)-1 {
			ack = func(ctx context.Context, tx storage.Transaction) error {
				return tx.AckEvent(ctx, ev.ID, ev.LeaseID)
			}
		}
		r.locks.Lock(entityID)
		err := r.refresher.Refresh(ctx, entityID, ack)
		r.locks.Unlock(entityID)
		if err != nil {
			return fmt.Errorf("refresh entity %d: %w", entityID, err)
		}
	}
	return nil
}

func (r *Replicator) deadLetter(ctx context.Context, eventID int64, cause string) {
	if err := r.store.MoveToDeadLetter(ctx, eventID, cause); err != nil {
		log.Printf("replicator: dead-letter event %d: %v", eventID, err)
		return
	}
	r.metrics.DeadLettered.Add(ctx, 1)
	log.Printf("replicator: event %d dead-lettered: %s", eventID, cause)
}

func (r *Replicator) foldLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.FoldInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.store.FoldReportUpdates(ctx, r.cfg.FoldBatch)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Printf("replicator: fold report updates: %v", err)
				continue
			}
			if n > 0 {
				r.metrics.JournalFolded.Add(ctx, int64(n))
			}
		}
	}
}

func (r *Replicator) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.store.ReleaseExpiredLeases(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Printf("replicator: release expired leases: %v", err)
				continue
			}
			if n > 0 {
				log.Printf("replicator: reclaimed %d expired leases", n)
			}
		}
	}
}

// Fold folds the journal until it is empty and returns the number of
// updates applied.
func (r *Replicator) Fold(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.store.FoldReportUpdates(ctx, r.cfg.FoldBatch)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}

// Drain processes pending events until the queue stops yielding, then
// folds the journal. Intended for tests and one-shot catch-up runs,
// not for steady-state serving.
func (r *Replicator) Drain(ctx context.Context) error {
	for {
		n, err := r.ProcessBatch(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
	}
	_, err := r.Fold(ctx)
	return err
}
