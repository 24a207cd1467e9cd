package sqlmart

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/entitygraph/datamart/internal/storage"
)

// nowMillis is the clock used for lease expiry comparisons. Stubbed in
// tests to force expiry without sleeping.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// Enqueue implements storage.Storage.
func (s *Store) Enqueue(ctx context.Context, payload string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_event (payload, created_at, modified_at)
		VALUES (?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, payload)
	if err != nil {
		return 0, wrapDBError("enqueue event", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapDBError("enqueue event id", err)
	}
	return id, nil
}

// LeaseBatch implements storage.Storage. Up to limit unleased (or
// lease-expired) rows are atomically stamped with a fresh lease and
// returned in id order.
func (s *Store) LeaseBatch(ctx context.Context, workerID string, limit int, leaseFor time.Duration) ([]storage.LeasedEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	leaseID := workerID + "/" + uuid.NewString()
	expires := nowMillis() + leaseFor.Milliseconds()

	var leased []storage.LeasedEvent
	err := s.withWriteTx(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
			SELECT id, payload, failure_count
			FROM pending_event
			WHERE lease_id IS NULL OR lease_expires_at < ?
			ORDER BY id
			LIMIT ?`+s.dialect.SelectForUpdate,
			nowMillis(), limit)
		if err != nil {
			return wrapDBError("select lease candidates", err)
		}
		defer rows.Close()

		var ids []any
		for rows.Next() {
			var ev storage.LeasedEvent
			if err := rows.Scan(&ev.ID, &ev.Payload, &ev.FailureCount); err != nil {
				return wrapDBError("scan lease candidate", err)
			}
			ev.LeaseID = leaseID
			leased = append(leased, ev)
			ids = append(ids, ev.ID)
		}
		if err := rows.Err(); err != nil {
			return wrapDBError("iterate lease candidates", err)
		}
		if len(ids) == 0 {
			return nil
		}

		args := append([]any{leaseID, expires}, ids...)
		_, err = conn.ExecContext(ctx, fmt.Sprintf(`
			UPDATE pending_event
			SET lease_id = ?, lease_expires_at = ?, modified_at = CURRENT_TIMESTAMP
			WHERE id IN (%s)`, inPlaceholders(len(ids))), args...)
		return wrapDBError("stamp leases", err)
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// Ack implements storage.Storage. Deleting is conditional on the lease
// still matching; a mismatch means the event was reclaimed and is
// reported as ErrStaleLease.
func (s *Store) Ack(ctx context.Context, eventID int64, leaseID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_event WHERE id = ? AND lease_id = ?`, eventID, leaseID)
	if err != nil {
		return wrapDBError("ack event", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("ack event", err)
	}
	if n == 0 {
		return storage.ErrStaleLease
	}
	return nil
}

// ReleaseExpiredLeases implements storage.Storage; the sweeper calls
// it periodically so crashed workers' events become leasable again.
func (s *Store) ReleaseExpiredLeases(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_event
		SET lease_id = NULL, lease_expires_at = NULL, modified_at = CURRENT_TIMESTAMP
		WHERE lease_id IS NOT NULL AND lease_expires_at < ?`, nowMillis())
	if err != nil {
		return 0, wrapDBError("release expired leases", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, wrapDBError("release expired leases", err)
	}
	return n, nil
}

// RecordEventFailure implements storage.Storage. The lease is dropped
// so the event is immediately redeliverable, and the running failure
// count is returned for poison detection.
func (s *Store) RecordEventFailure(ctx context.Context, eventID int64, cause string) (int, error) {
	var count int
	err := s.withWriteTx(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
			UPDATE pending_event
			SET failure_count = failure_count + 1, lease_id = NULL,
			    lease_expires_at = NULL, modified_at = CURRENT_TIMESTAMP
			WHERE id = ?`, eventID)
		if err != nil {
			return wrapDBError("record event failure", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("record event failure: %w", storage.ErrNotFound)
		}
		return wrapDBError("read failure count",
			conn.QueryRowContext(ctx, `SELECT failure_count FROM pending_event WHERE id = ?`, eventID).Scan(&count))
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// MoveToDeadLetter implements storage.Storage.
func (s *Store) MoveToDeadLetter(ctx context.Context, eventID int64, cause string) error {
	return s.withWriteTx(ctx, func(conn *sql.Conn) error {
		var payload string
		err := conn.QueryRowContext(ctx,
			`SELECT payload FROM pending_event WHERE id = ?`, eventID).Scan(&payload)
		if err != nil {
			return wrapDBError("read poison event", err)
		}
		if _, err := conn.ExecContext(ctx, `
			INSERT INTO dead_letter_event (event_id, payload, cause, failed_at)
			VALUES (?, ?, ?, ?)`, eventID, payload, cause, nowMillis()); err != nil {
			return wrapDBError("insert dead letter", err)
		}
		_, err = conn.ExecContext(ctx, `DELETE FROM pending_event WHERE id = ?`, eventID)
		return wrapDBError("remove poison event", err)
	})
}

// DeadLetters implements storage.Storage.
func (s *Store) DeadLetters(ctx context.Context, limit int) ([]storage.DeadLetterEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, payload, cause, failed_at
		FROM dead_letter_event
		ORDER BY event_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, wrapDBError("list dead letters", err)
	}
	defer rows.Close()

	var out []storage.DeadLetterEvent
	for rows.Next() {
		var dl storage.DeadLetterEvent
		var failedAt int64
		if err := rows.Scan(&dl.ID, &dl.Payload, &dl.Cause, &failedAt); err != nil {
			return nil, wrapDBError("scan dead letter", err)
		}
		dl.FailedAt = time.UnixMilli(failedAt).UTC()
		out = append(out, dl)
	}
	return out, wrapDBError("iterate dead letters", rows.Err())
}

// QueueStats implements storage.Storage.
func (s *Store) QueueStats(ctx context.Context) (*storage.QueueStats, error) {
	stats := &storage.QueueStats{}
	now := nowMillis()
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN lease_id IS NOT NULL AND lease_expires_at >= ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN lease_id IS NOT NULL AND lease_expires_at < ? THEN 1 ELSE 0 END), 0)
		FROM pending_event`, now, now).
		Scan(&stats.Depth, &stats.Leased, &stats.Expired)
	if err != nil {
		return nil, wrapDBError("queue stats", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letter_event`).Scan(&stats.DeadLettered)
	if err != nil {
		return nil, wrapDBError("dead letter count", err)
	}
	return stats, nil
}
