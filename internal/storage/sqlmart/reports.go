package sqlmart

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/entitygraph/datamart/internal/storage"
	"github.com/entitygraph/datamart/internal/types"
)

// GetReportCounter implements storage.Storage.
func (s *Store) GetReportCounter(ctx context.Context, key types.ReportKey) (*storage.ReportCounter, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	var c storage.ReportCounter
	c.Key = key
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_count, record_count, relation_count
		FROM report_counter WHERE report_key = ?`, key.String()).
		Scan(&c.EntityCount, &c.RecordCount, &c.RelationCount)
	if err != nil {
		return nil, wrapDBError("get report counter", err)
	}
	return &c, nil
}

// ListReportCounters implements storage.Storage. The prefix is matched
// literally; LIKE metacharacters in escaped key text are neutralized.
func (s *Store) ListReportCounters(ctx context.Context, prefix string) ([]storage.ReportCounter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_key, entity_count, record_count, relation_count
		FROM report_counter
		WHERE report_key LIKE ? ESCAPE '\'
		ORDER BY report_key`, escapeLike(prefix)+"%")
	if err != nil {
		return nil, wrapDBError("list report counters", err)
	}
	defer rows.Close()

	var out []storage.ReportCounter
	for rows.Next() {
		var c storage.ReportCounter
		var keyText string
		if err := rows.Scan(&keyText, &c.EntityCount, &c.RecordCount, &c.RelationCount); err != nil {
			return nil, wrapDBError("scan report counter", err)
		}
		key, err := types.ParseReportKey(keyText)
		if err != nil {
			return nil, fmt.Errorf("stored report key %q: %w", keyText, err)
		}
		c.Key = key
		out = append(out, c)
	}
	return out, wrapDBError("iterate report counters", rows.Err())
}

// EnsureReportCounters implements storage.Storage: zero rows are
// materialized for every key so scope-controlled reports distinguish
// "zero" from "never computed".
func (s *Store) EnsureReportCounters(ctx context.Context, keys []types.ReportKey) error {
	if len(keys) == 0 {
		return nil
	}
	return s.withWriteTx(ctx, func(conn *sql.Conn) error {
		for _, key := range keys {
			if err := key.Validate(); err != nil {
				return err
			}
			if _, err := conn.ExecContext(ctx, s.dialect.InsertIgnoreCounter, key.String()); err != nil {
				return wrapDBError("ensure report counter", err)
			}
		}
		return nil
	})
}

// AppendReportUpdates implements storage.Transaction. Updates land in
// the journal; a later fold applies them to the aggregate counters.
func (t *txStore) AppendReportUpdates(ctx context.Context, updates []types.ReportUpdate) error {
	for _, u := range updates {
		if u.IsZero() {
			continue
		}
		if err := u.Key.Validate(); err != nil {
			return err
		}
		_, err := t.conn.ExecContext(ctx, `
			INSERT INTO report_update (report_key, entity_id, related_id, entity_delta, record_delta, relation_delta)
			VALUES (?, ?, ?, ?, ?, ?)`,
			u.Key.String(), u.EntityID, u.RelatedID, u.EntityDelta, u.RecordDelta, u.RelationDelta)
		if err != nil {
			return wrapDBError("append report update", err)
		}
	}
	return nil
}

// PendingReportUpdates implements storage.Storage.
func (s *Store) PendingReportUpdates(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM report_update`).Scan(&n)
	if err != nil {
		return 0, wrapDBError("count report updates", err)
	}
	return n, nil
}

type counterDelta struct {
	entity   int64
	record   int64
	relation int64
}

type detailMutation struct {
	key       string
	entityID  int64
	relatedID int64
	insert    bool
}

// FoldReportUpdates implements storage.Storage. Up to limit journal
// rows are aggregated in memory, applied to the counter rows, mirrored
// into the detail table, and deleted, all in one transaction. Folding
// is serialized in-process by foldMu and, where the dialect supports
// it, across processes by an advisory lock.
func (s *Store) FoldReportUpdates(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	s.foldMu.Lock()
	defer s.foldMu.Unlock()

	var folded int
	err := s.withWriteTx(ctx, func(conn *sql.Conn) error {
		if s.dialect.AcquireFoldLock != nil {
			release, err := s.dialect.AcquireFoldLock(ctx, conn)
			if err != nil {
				return fmt.Errorf("acquire fold lock: %w", err)
			}
			defer release()
		}

		rows, err := conn.QueryContext(ctx, `
			SELECT id, report_key, entity_id, related_id, entity_delta, record_delta, relation_delta
			FROM report_update
			ORDER BY id
			LIMIT ?`+s.dialect.SelectForUpdate, limit)
		if err != nil {
			return wrapDBError("read report updates", err)
		}

		aggregates := make(map[string]counterDelta)
		var order []string
		var ids []any
		var details []detailMutation
		for rows.Next() {
			var (
				id           int64
				key          string
				entityID     int64
				relatedID    int64
				ed, rcd, rld int64
			)
			if err := rows.Scan(&id, &key, &entityID, &relatedID, &ed, &rcd, &rld); err != nil {
				rows.Close()
				return wrapDBError("scan report update", err)
			}
			ids = append(ids, id)

			agg, seen := aggregates[key]
			if !seen {
				order = append(order, key)
			}
			agg.entity += ed
			agg.record += rcd
			agg.relation += rld
			aggregates[key] = agg

			// Membership in the detail population follows the sign of
			// the scoping delta. Record-only updates leave it alone.
			scope := ed
			if relatedID != 0 {
				scope = rld
			}
			if scope != 0 {
				details = append(details, detailMutation{
					key:       key,
					entityID:  entityID,
					relatedID: relatedID,
					insert:    scope > 0,
				})
			}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return wrapDBError("iterate report updates", err)
		}
		rows.Close()
		if len(ids) == 0 {
			return nil
		}

		for _, key := range order {
			agg := aggregates[key]
			if _, err := conn.ExecContext(ctx, s.dialect.AddReportCounter,
				key, agg.entity, agg.record, agg.relation); err != nil {
				return wrapDBError("apply counter delta", err)
			}
		}
		for _, d := range details {
			if d.insert {
				_, err = conn.ExecContext(ctx, s.dialect.InsertIgnoreDetail, d.key, d.entityID, d.relatedID)
			} else {
				_, err = conn.ExecContext(ctx, `
					DELETE FROM report_detail
					WHERE report_key = ? AND entity_id = ? AND related_id = ?`,
					d.key, d.entityID, d.relatedID)
			}
			if err != nil {
				return wrapDBError("apply detail mutation", err)
			}
		}

		if _, err := conn.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM report_update WHERE id IN (%s)`, inPlaceholders(len(ids))), ids...); err != nil {
			return wrapDBError("delete folded updates", err)
		}
		folded = len(ids)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return folded, nil
}

// escapeLike escapes LIKE metacharacters so the pattern matches the
// literal prefix.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
