// Package sqlmart is the shared database/sql implementation of the
// mart storage contract. Everything dialect-specific (DDL, upsert
// syntax, write-transaction start, advisory locks) is injected through
// the Dialect value supplied by the sqlite and mysql adapter packages.
package sqlmart

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/entitygraph/datamart/internal/storage"
)

// Dialect carries the statements and hooks that differ between the
// embedded and the networked backend. All statements use `?`
// placeholders; parameter order is documented per field.
type Dialect struct {
	// Name identifies the dialect in errors and logs.
	Name string

	// SchemaStatements bootstrap the mart schema. Idempotent.
	SchemaStatements []string

	// BeginWrite starts a write transaction on a dedicated
	// connection ("BEGIN IMMEDIATE" / "START TRANSACTION").
	BeginWrite string

	// SelectForUpdate is appended to lease-candidate selects so the
	// networked backend locks the rows it is about to lease.
	SelectForUpdate string

	// UpsertEntity params: entity_id, name, hash, record_count,
	// relation_count.
	UpsertEntity string

	// UpsertRecord params: data_source, record_id, entity_id,
	// match_key, principle.
	UpsertRecord string

	// UpsertRelationship params: lo, hi, match_level, match_type,
	// match_key, principle, hash.
	UpsertRelationship string

	// InsertRelationshipIfAbsent has the same params but leaves an
	// existing row untouched (the non-authoritative endpoint's write).
	InsertRelationshipIfAbsent string

	// AddReportCounter params: report_key, entity_delta, record_delta,
	// relation_delta. Adds onto an existing row or creates it.
	AddReportCounter string

	// InsertIgnoreCounter params: report_key. Materializes a zero row.
	InsertIgnoreCounter string

	// InsertIgnoreDetail params: report_key, entity_id, related_id.
	InsertIgnoreDetail string

	// AcquireFoldLock takes the cross-process advisory lock guarding
	// the journal folder, returning a release func. Nil when the
	// in-process mutex is sufficient (embedded backend).
	AcquireFoldLock func(ctx context.Context, conn *sql.Conn) (func(), error)
}

// Store implements storage.Storage over one *sql.DB.
type Store struct {
	db      *sql.DB
	dialect Dialect
	closed  atomic.Bool

	// foldMu serializes journal folding within the process; the
	// dialect's advisory lock extends this across processes where the
	// backend supports it.
	foldMu sync.Mutex
}

var _ storage.Storage = (*Store)(nil)

// New wraps an opened database handle and bootstraps the schema.
func New(ctx context.Context, db *sql.DB, dialect Dialect) (*Store, error) {
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping %s database: %w", dialect.Name, err)
	}
	for _, stmt := range dialect.SchemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("bootstrap %s schema: %w", dialect.Name, err)
		}
	}
	return &Store{db: db, dialect: dialect}, nil
}

// Close closes the underlying pool. Safe to call twice.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

// querier is the query surface shared by *sql.DB, *sql.Conn and
// *sql.Tx, letting reads run inside or outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func newWriteBackoff(ctx context.Context) backoff.BackOff {
	// BackOff values are stateful; always build a fresh one.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 10 * time.Millisecond
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(bo, ctx)
}

// withWriteTx runs fn on a dedicated connection inside a write
// transaction. The transaction start is retried on lock contention;
// rollback is guaranteed on error or panic.
func (s *Store) withWriteTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	if s.closed.Load() {
		return storage.ErrClosed
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	begin := func() error {
		_, err := conn.ExecContext(ctx, s.dialect.BeginWrite)
		if err != nil && !storage.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(begin, newWriteBackoff(ctx)); err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback runs even if ctx is done.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// RunInTransaction implements storage.Storage.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Transaction) error) error {
	return s.withWriteTx(ctx, func(conn *sql.Conn) error {
		return fn(&txStore{conn: conn, parent: s})
	})
}

// wrapDBError adds operation context and maps sql.ErrNoRows onto the
// shared ErrNotFound sentinel.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isNoRows(err error) bool {
	return err == sql.ErrNoRows
}

// inPlaceholders renders "?, ?, ?" for n parameters.
func inPlaceholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}
