package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/entitygraph/datamart/internal/storage"
	"github.com/entitygraph/datamart/internal/storage/sqlmart"
	"github.com/entitygraph/datamart/internal/types"
)

func newTestStore(t *testing.T) *sqlmart.Store {
	t.Helper()
	store, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open in-memory store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func mustKey(t *testing.T, code types.ReportCode, stat string, sources ...string) types.ReportKey {
	t.Helper()
	key, err := types.NewReportKey(code, stat, sources...)
	if err != nil {
		t.Fatalf("build report key: %v", err)
	}
	return key
}

func TestEnqueueLeaseAck(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for _, payload := range []string{"a", "b", "c"} {
		if _, err := store.Enqueue(ctx, payload); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	leased, err := store.LeaseBatch(ctx, "w1", 2, time.Minute)
	if err != nil {
		t.Fatalf("lease: %v", err)
	}
	if len(leased) != 2 {
		t.Fatalf("leased %d events, want 2", len(leased))
	}
	if leased[0].Payload != "a" || leased[1].Payload != "b" {
		t.Errorf("leased payloads %q, %q; want id order a, b", leased[0].Payload, leased[1].Payload)
	}

	// Leased rows are invisible to a second worker.
	second, err := store.LeaseBatch(ctx, "w2", 10, time.Minute)
	if err != nil {
		t.Fatalf("second lease: %v", err)
	}
	if len(second) != 1 || second[0].Payload != "c" {
		t.Fatalf("second worker leased %d events, want just c", len(second))
	}

	if err := store.Ack(ctx, leased[0].ID, leased[0].LeaseID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if err := store.Ack(ctx, leased[0].ID, leased[0].LeaseID); !errors.Is(err, storage.ErrStaleLease) {
		t.Errorf("double ack error = %v, want ErrStaleLease", err)
	}

	stats, err := store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Depth != 2 || stats.Leased != 2 {
		t.Errorf("stats = %+v, want depth 2 leased 2", stats)
	}
}

func TestLeaseExpiryReclaim(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Enqueue(ctx, "ev"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, err := store.LeaseBatch(ctx, "w1", 1, time.Millisecond)
	if err != nil || len(first) != 1 {
		t.Fatalf("lease = %v, %v", first, err)
	}
	time.Sleep(5 * time.Millisecond)

	released, err := store.ReleaseExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released != 1 {
		t.Errorf("released %d leases, want 1", released)
	}

	second, err := store.LeaseBatch(ctx, "w2", 1, time.Minute)
	if err != nil || len(second) != 1 {
		t.Fatalf("release = %v, %v", second, err)
	}
	if second[0].ID != first[0].ID {
		t.Errorf("reclaimed id %d, want %d", second[0].ID, first[0].ID)
	}

	// The first worker's ack must now fail rather than steal the event.
	if err := store.Ack(ctx, first[0].ID, first[0].LeaseID); !errors.Is(err, storage.ErrStaleLease) {
		t.Errorf("stale ack error = %v, want ErrStaleLease", err)
	}
}

func TestFailureCountAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.Enqueue(ctx, `{"bad":true}`)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for want := 1; want <= 3; want++ {
		count, err := store.RecordEventFailure(ctx, id, "engine unavailable")
		if err != nil {
			t.Fatalf("record failure: %v", err)
		}
		if count != want {
			t.Fatalf("failure count = %d, want %d", count, want)
		}
	}

	if err := store.MoveToDeadLetter(ctx, id, "failure limit reached"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	letters, err := store.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("list dead letters: %v", err)
	}
	if len(letters) != 1 || letters[0].ID != id || letters[0].Cause != "failure limit reached" {
		t.Fatalf("dead letters = %+v", letters)
	}
	if letters[0].FailedAt.IsZero() {
		t.Error("dead letter has zero FailedAt")
	}

	stats, err := store.QueueStats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Depth != 0 || stats.DeadLettered != 1 {
		t.Errorf("stats = %+v, want empty queue with one dead letter", stats)
	}
}

func TestTransactionCommitAndRead(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertEntity(ctx, storage.EntityRow{
			EntityID: 7, Name: "Ann", Hash: "h1", RecordCount: 2, RelationCount: 1,
		}); err != nil {
			return err
		}
		if err := tx.UpsertRecord(ctx, storage.RecordRow{
			DataSource: "CUSTOMERS", RecordID: "c-1", EntityID: 7, MatchKey: "NAME+DOB",
		}); err != nil {
			return err
		}
		if err := tx.UpsertRecord(ctx, storage.RecordRow{
			DataSource: "WATCHLIST", RecordID: "w-1", EntityID: 7,
		}); err != nil {
			return err
		}
		return tx.UpsertRelationship(ctx, storage.RelationshipRow{
			Lo: 7, Hi: 9, MatchLevel: 2, MatchType: "POSSIBLE_MATCH", Hash: "rh",
		}, true)
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	hash, err := store.GetEntityHash(ctx, 7)
	if err != nil || hash != "h1" {
		t.Errorf("hash = %q, %v; want h1", hash, err)
	}
	entity, err := store.GetEntity(ctx, 7)
	if err != nil {
		t.Fatalf("get entity: %v", err)
	}
	if entity.Name != "Ann" || entity.RecordCount != 2 {
		t.Errorf("entity = %+v", entity)
	}
	rel, err := store.GetRelationship(ctx, 7, 9)
	if err != nil || rel.MatchType != "POSSIBLE_MATCH" {
		t.Errorf("relationship = %+v, %v", rel, err)
	}
	sources, err := store.ListDataSources(ctx)
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(sources) != 2 || sources[0] != "CUSTOMERS" || sources[1] != "WATCHLIST" {
		t.Errorf("sources = %v", sources)
	}

	if _, err := store.GetEntity(ctx, 404); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing entity error = %v, want ErrNotFound", err)
	}
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	boom := errors.New("boom")
	err := store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertEntity(ctx, storage.EntityRow{EntityID: 1, Hash: "h"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("transaction error = %v, want boom", err)
	}
	if _, err := store.GetEntityHash(ctx, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("entity survived rollback: err = %v", err)
	}
}

func TestNonAuthoritativeRelationshipWrite(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	write := func(hash string, authoritative bool) error {
		return store.RunInTransaction(ctx, func(tx storage.Transaction) error {
			return tx.UpsertRelationship(ctx, storage.RelationshipRow{
				Lo: 1, Hi: 2, MatchLevel: 1, MatchType: "AMBIGUOUS_MATCH", Hash: hash,
			}, authoritative)
		})
	}

	if err := write("first", false); err != nil {
		t.Fatalf("insert if absent: %v", err)
	}
	if err := write("second", false); err != nil {
		t.Fatalf("second insert if absent: %v", err)
	}
	rel, err := store.GetRelationship(ctx, 1, 2)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rel.Hash != "first" {
		t.Errorf("non-authoritative write clobbered row: hash = %q", rel.Hash)
	}

	if err := write("third", true); err != nil {
		t.Fatalf("authoritative write: %v", err)
	}
	rel, _ = store.GetRelationship(ctx, 1, 2)
	if rel.Hash != "third" {
		t.Errorf("authoritative write did not replace row: hash = %q", rel.Hash)
	}
}

func TestAckEventInsideTransaction(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	if _, err := store.Enqueue(ctx, "ev"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	leased, err := store.LeaseBatch(ctx, "w1", 1, time.Minute)
	if err != nil || len(leased) != 1 {
		t.Fatalf("lease = %v, %v", leased, err)
	}

	err = store.RunInTransaction(ctx, func(tx storage.Transaction) error {
		if err := tx.UpsertEntity(ctx, storage.EntityRow{EntityID: 3, Hash: "h"}); err != nil {
			return err
		}
		return tx.AckEvent(ctx, leased[0].ID, leased[0].LeaseID)
	})
	if err != nil {
		t.Fatalf("transaction: %v", err)
	}

	stats, _ := store.QueueStats(ctx)
	if stats.Depth != 0 {
		t.Errorf("queue depth = %d after transactional ack, want 0", stats.Depth)
	}
}

func appendUpdates(t *testing.T, store *sqlmart.Store, updates ...types.ReportUpdate) {
	t.Helper()
	err := store.RunInTransaction(context.Background(), func(tx storage.Transaction) error {
		return tx.AppendReportUpdates(context.Background(), updates)
	})
	if err != nil {
		t.Fatalf("append updates: %v", err)
	}
}

func TestFoldAppliesCountersAndDetails(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	key := mustKey(t, types.DataSourceSummary, types.StatEntityCount, "CUSTOMERS")
	appendUpdates(t, store,
		types.ReportUpdate{Key: key, EntityID: 1, EntityDelta: 1, RecordDelta: 2},
		types.ReportUpdate{Key: key, EntityID: 2, EntityDelta: 1, RecordDelta: 1},
	)

	pending, err := store.PendingReportUpdates(ctx)
	if err != nil || pending != 2 {
		t.Fatalf("pending = %d, %v; want 2", pending, err)
	}

	folded, err := store.FoldReportUpdates(ctx, 100)
	if err != nil {
		t.Fatalf("fold: %v", err)
	}
	if folded != 2 {
		t.Errorf("folded %d updates, want 2", folded)
	}

	counter, err := store.GetReportCounter(ctx, key)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.EntityCount != 2 || counter.RecordCount != 3 {
		t.Errorf("counter = %+v, want entities 2 records 3", counter)
	}

	total, err := store.CountDetails(ctx, []string{key.String()}, false)
	if err != nil || total != 2 {
		t.Fatalf("detail count = %d, %v; want 2", total, err)
	}

	// Folding again is a no-op.
	folded, err = store.FoldReportUpdates(ctx, 100)
	if err != nil || folded != 0 {
		t.Errorf("second fold = %d, %v; want 0", folded, err)
	}

	// A negative delta unwinds both the counter and the membership.
	appendUpdates(t, store,
		types.ReportUpdate{Key: key, EntityID: 2, EntityDelta: -1, RecordDelta: -1},
	)
	if _, err := store.FoldReportUpdates(ctx, 100); err != nil {
		t.Fatalf("fold: %v", err)
	}
	counter, _ = store.GetReportCounter(ctx, key)
	if counter.EntityCount != 1 || counter.RecordCount != 2 {
		t.Errorf("counter after removal = %+v", counter)
	}
	total, _ = store.CountDetails(ctx, []string{key.String()}, false)
	if total != 1 {
		t.Errorf("detail count after removal = %d, want 1", total)
	}
}

func TestEnsureAndListCounters(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	keys := []types.ReportKey{
		mustKey(t, types.DataSourceSummary, types.StatEntityCount, "CUSTOMERS"),
		mustKey(t, types.DataSourceSummary, types.StatRecordCount, "CUSTOMERS"),
		mustKey(t, types.EntitySizeBreakdown, types.StatEntityCount, "2"),
	}
	if err := store.EnsureReportCounters(ctx, keys); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	// Idempotent.
	if err := store.EnsureReportCounters(ctx, keys); err != nil {
		t.Fatalf("re-ensure: %v", err)
	}

	dss, err := store.ListReportCounters(ctx, "DSS:")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(dss) != 2 {
		t.Fatalf("listed %d DSS counters, want 2", len(dss))
	}
	for _, c := range dss {
		if c.EntityCount != 0 || c.RecordCount != 0 || c.RelationCount != 0 {
			t.Errorf("ensured counter not zero: %+v", c)
		}
	}

	counter, err := store.GetReportCounter(ctx, keys[2])
	if err != nil {
		t.Fatalf("get ensured counter: %v", err)
	}
	if counter.Key != keys[2] {
		t.Errorf("round-tripped key = %+v, want %+v", counter.Key, keys[2])
	}
}

func seedDetails(t *testing.T, store *sqlmart.Store, key types.ReportKey, ids ...int64) {
	t.Helper()
	updates := make([]types.ReportUpdate, len(ids))
	for i, id := range ids {
		updates[i] = types.ReportUpdate{Key: key, EntityID: id, EntityDelta: 1}
	}
	appendUpdates(t, store, updates...)
	if _, err := store.FoldReportUpdates(context.Background(), 1000); err != nil {
		t.Fatalf("fold: %v", err)
	}
}

func TestDetailScansAndCounts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	key1 := mustKey(t, types.DataSourceSummary, types.StatEntityCount, "CUSTOMERS")
	key2 := mustKey(t, types.DataSourceSummary, types.StatEntityCount, "WATCHLIST")
	seedDetails(t, store, key1, 10, 20, 30)
	seedDetails(t, store, key2, 20, 40) // 20 is in both populations

	keys := []string{key1.String(), key2.String()}

	total, err := store.CountDetails(ctx, keys, false)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if total != 4 {
		t.Errorf("deduplicated count = %d, want 4", total)
	}

	rows, err := store.ScanDetails(ctx, storage.DetailScan{
		Keys: keys, From: storage.DetailPoint{EntityID: 20}, Inclusive: true, Limit: 2,
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 2 || rows[0].EntityID != 20 || rows[1].EntityID != 30 {
		t.Errorf("ascending scan = %+v, want 20, 30", rows)
	}

	rows, err = store.ScanDetails(ctx, storage.DetailScan{
		Keys: keys, From: storage.DetailPoint{EntityID: 20}, Descending: true, Limit: 5,
	})
	if err != nil {
		t.Fatalf("descending scan: %v", err)
	}
	if len(rows) != 1 || rows[0].EntityID != 10 {
		t.Errorf("descending exclusive scan = %+v, want just 10", rows)
	}

	before, err := store.CountDetailsBefore(ctx, keys, false, storage.DetailPoint{EntityID: 30})
	if err != nil || before != 2 {
		t.Errorf("before = %d, %v; want 2", before, err)
	}
	after, err := store.CountDetailsAfter(ctx, keys, false, storage.DetailPoint{EntityID: 30})
	if err != nil || after != 1 {
		t.Errorf("after = %d, %v; want 1", after, err)
	}

	min, max, err := store.DetailExtrema(ctx, keys, false)
	if err != nil {
		t.Fatalf("extrema: %v", err)
	}
	if min == nil || max == nil || min.EntityID != 10 || max.EntityID != 40 {
		t.Errorf("extrema = %v, %v; want 10, 40", min, max)
	}

	// Empty population.
	min, max, err = store.DetailExtrema(ctx, []string{"DSS:NOPE:X"}, false)
	if err != nil || min != nil || max != nil {
		t.Errorf("empty extrema = %v, %v, %v; want nils", min, max, err)
	}
}

func TestRelationDetailPopulation(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	key := mustKey(t, types.CrossSourceSummary, types.StatPossibleMatch, "CUSTOMERS", "WATCHLIST")
	appendUpdates(t, store,
		types.ReportUpdate{Key: key, EntityID: 1, RelatedID: 2, RelationDelta: 1},
		types.ReportUpdate{Key: key, EntityID: 1, RelatedID: 3, RelationDelta: 1},
	)
	if _, err := store.FoldReportUpdates(ctx, 100); err != nil {
		t.Fatalf("fold: %v", err)
	}

	total, err := store.CountDetails(ctx, []string{key.String()}, true)
	if err != nil || total != 2 {
		t.Fatalf("relation count = %d, %v; want 2", total, err)
	}
	rows, err := store.ScanDetails(ctx, storage.DetailScan{
		Keys: []string{key.String()}, Relations: true,
		From: storage.DetailPoint{EntityID: 1, RelatedID: 2}, Inclusive: true, Limit: 10,
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 2 || rows[0].RelatedID != 2 || rows[1].RelatedID != 3 {
		t.Errorf("relation scan = %+v", rows)
	}

	// Removing one pair leaves the other.
	appendUpdates(t, store,
		types.ReportUpdate{Key: key, EntityID: 1, RelatedID: 2, RelationDelta: -1},
	)
	if _, err := store.FoldReportUpdates(ctx, 100); err != nil {
		t.Fatalf("fold: %v", err)
	}
	counter, err := store.GetReportCounter(ctx, key)
	if err != nil {
		t.Fatalf("get counter: %v", err)
	}
	if counter.RelationCount != 1 {
		t.Errorf("relation counter = %d, want 1", counter.RelationCount)
	}
}

func TestParseDatabaseURL(t *testing.T) {
	cases := []struct {
		raw     string
		backend string
		locator string
		wantErr bool
	}{
		{"sqlite:/tmp/mart.db", storage.BackendSQLite, "/tmp/mart.db", false},
		{"sqlite::memory:", storage.BackendSQLite, ":memory:", false},
		{"mysql://root:pw@tcp(db:3306)/mart", storage.BackendMySQL, "root:pw@tcp(db:3306)/mart", false},
		{"mysql:root@tcp(db)/mart", storage.BackendMySQL, "root@tcp(db)/mart", false},
		{"postgres://x", "", "", true},
		{"", "", "", true},
		{"sqlite:", "", "", true},
	}
	for _, tc := range cases {
		backend, locator, err := storage.ParseDatabaseURL(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDatabaseURL(%q) succeeded, want error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDatabaseURL(%q): %v", tc.raw, err)
			continue
		}
		if backend != tc.backend || locator != tc.locator {
			t.Errorf("ParseDatabaseURL(%q) = %q, %q; want %q, %q", tc.raw, backend, locator, tc.backend, tc.locator)
		}
	}
}
