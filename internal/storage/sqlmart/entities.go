package sqlmart

import (
	"context"
	"database/sql"

	"github.com/entitygraph/datamart/internal/storage"
	"github.com/entitygraph/datamart/internal/types"
)

// txStore implements storage.Transaction on a dedicated connection
// with an open write transaction.
type txStore struct {
	conn   *sql.Conn
	parent *Store
}

var _ storage.Transaction = (*txStore)(nil)

func getEntityHash(ctx context.Context, q querier, entityID int64) (string, error) {
	var hash string
	err := q.QueryRowContext(ctx,
		`SELECT hash FROM entity WHERE entity_id = ?`, entityID).Scan(&hash)
	if err != nil {
		return "", wrapDBError("get entity hash", err)
	}
	return hash, nil
}

func getEntity(ctx context.Context, q querier, entityID int64) (*storage.EntityRow, error) {
	var row storage.EntityRow
	err := q.QueryRowContext(ctx, `
		SELECT entity_id, name, hash, record_count, relation_count
		FROM entity WHERE entity_id = ?`, entityID).
		Scan(&row.EntityID, &row.Name, &row.Hash, &row.RecordCount, &row.RelationCount)
	if err != nil {
		return nil, wrapDBError("get entity", err)
	}
	return &row, nil
}

func getRelationship(ctx context.Context, q querier, lo, hi int64) (*storage.RelationshipRow, error) {
	var row storage.RelationshipRow
	err := q.QueryRowContext(ctx, `
		SELECT lo_entity_id, hi_entity_id, match_level, match_type, match_key, principle, hash
		FROM relationship WHERE lo_entity_id = ? AND hi_entity_id = ?`, lo, hi).
		Scan(&row.Lo, &row.Hi, &row.MatchLevel, &row.MatchType, &row.MatchKey, &row.Principle, &row.Hash)
	if err != nil {
		return nil, wrapDBError("get relationship", err)
	}
	return &row, nil
}

// GetEntityHash implements storage.Storage.
func (s *Store) GetEntityHash(ctx context.Context, entityID int64) (string, error) {
	return getEntityHash(ctx, s.db, entityID)
}

// GetEntity implements storage.Storage.
func (s *Store) GetEntity(ctx context.Context, entityID int64) (*storage.EntityRow, error) {
	return getEntity(ctx, s.db, entityID)
}

// GetRelationship implements storage.Storage.
func (s *Store) GetRelationship(ctx context.Context, lo, hi int64) (*storage.RelationshipRow, error) {
	return getRelationship(ctx, s.db, lo, hi)
}

// ListDataSources implements storage.Storage: every data source with
// at least one loaded record, sorted.
func (s *Store) ListDataSources(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT data_source FROM record ORDER BY data_source`)
	if err != nil {
		return nil, wrapDBError("list data sources", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, wrapDBError("scan data source", err)
		}
		out = append(out, src)
	}
	return out, wrapDBError("iterate data sources", rows.Err())
}

// GetEntityHash implements storage.Transaction.
func (t *txStore) GetEntityHash(ctx context.Context, entityID int64) (string, error) {
	return getEntityHash(ctx, t.conn, entityID)
}

// UpsertEntity implements storage.Transaction.
func (t *txStore) UpsertEntity(ctx context.Context, row storage.EntityRow) error {
	_, err := t.conn.ExecContext(ctx, t.parent.dialect.UpsertEntity,
		row.EntityID, row.Name, row.Hash, row.RecordCount, row.RelationCount)
	return wrapDBError("upsert entity", err)
}

// DeleteEntity implements storage.Transaction. Records owned by the
// entity go with it; relationship rows are removed separately by the
// refresh so their negative counter deltas line up.
func (t *txStore) DeleteEntity(ctx context.Context, entityID int64) error {
	if _, err := t.conn.ExecContext(ctx,
		`DELETE FROM record WHERE entity_id = ?`, entityID); err != nil {
		return wrapDBError("delete entity records", err)
	}
	_, err := t.conn.ExecContext(ctx,
		`DELETE FROM entity WHERE entity_id = ?`, entityID)
	return wrapDBError("delete entity", err)
}

// UpsertRecord implements storage.Transaction.
func (t *txStore) UpsertRecord(ctx context.Context, row storage.RecordRow) error {
	_, err := t.conn.ExecContext(ctx, t.parent.dialect.UpsertRecord,
		row.DataSource, row.RecordID, row.EntityID, row.MatchKey, row.Principle)
	return wrapDBError("upsert record", err)
}

// DeleteRecord implements storage.Transaction.
func (t *txStore) DeleteRecord(ctx context.Context, key types.RecordKey) error {
	_, err := t.conn.ExecContext(ctx,
		`DELETE FROM record WHERE data_source = ? AND record_id = ?`,
		key.DataSource, key.RecordID)
	return wrapDBError("delete record", err)
}

// UpsertRelationship implements storage.Transaction.
func (t *txStore) UpsertRelationship(ctx context.Context, row storage.RelationshipRow, authoritative bool) error {
	stmt := t.parent.dialect.UpsertRelationship
	if !authoritative {
		stmt = t.parent.dialect.InsertRelationshipIfAbsent
	}
	_, err := t.conn.ExecContext(ctx, stmt,
		row.Lo, row.Hi, row.MatchLevel, row.MatchType, row.MatchKey, row.Principle, row.Hash)
	return wrapDBError("upsert relationship", err)
}

// GetRelationship implements storage.Transaction.
func (t *txStore) GetRelationship(ctx context.Context, lo, hi int64) (*storage.RelationshipRow, error) {
	return getRelationship(ctx, t.conn, lo, hi)
}

// DeleteRelationship implements storage.Transaction.
func (t *txStore) DeleteRelationship(ctx context.Context, lo, hi int64) error {
	_, err := t.conn.ExecContext(ctx,
		`DELETE FROM relationship WHERE lo_entity_id = ? AND hi_entity_id = ?`, lo, hi)
	return wrapDBError("delete relationship", err)
}

// AckEvent implements storage.Transaction; same contract as
// Storage.Ack but inside the refresh transaction.
func (t *txStore) AckEvent(ctx context.Context, eventID int64, leaseID string) error {
	res, err := t.conn.ExecContext(ctx,
		`DELETE FROM pending_event WHERE id = ? AND lease_id = ?`, eventID, leaseID)
	if err != nil {
		return wrapDBError("ack event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrStaleLease
	}
	return nil
}
