package sqlmart

import (
	"context"
	"fmt"
	"strings"

	"github.com/entitygraph/datamart/internal/storage"
)

// The detail table holds one row per (report_key, entity_id,
// related_id). A page query treats several keys as one population, so
// every query here deduplicates across keys with DISTINCT and compares
// positions on the composite (entity_id, related_id) order.

func detailFilter(keys []string, relations bool) (string, []any) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "report_key IN (%s)", inPlaceholders(len(keys)))
	if relations {
		sb.WriteString(" AND related_id <> 0")
	} else {
		sb.WriteString(" AND related_id = 0")
	}
	return sb.String(), stringArgs(keys)
}

// compareClause renders the composite comparison against a point.
// dir is ">" or "<"; inclusive widens the tie on the second column.
func compareClause(dir string, inclusive bool) string {
	second := dir
	if inclusive {
		second += "="
	}
	return fmt.Sprintf("(entity_id %s ? OR (entity_id = ? AND related_id %s ?))", dir, second)
}

// ScanDetails implements storage.Storage.
func (s *Store) ScanDetails(ctx context.Context, scan storage.DetailScan) ([]storage.DetailRow, error) {
	if len(scan.Keys) == 0 || scan.Limit <= 0 {
		return nil, nil
	}
	filter, args := detailFilter(scan.Keys, scan.Relations)

	dir, order := ">", "entity_id, related_id"
	if scan.Descending {
		dir, order = "<", "entity_id DESC, related_id DESC"
	}
	filter += " AND " + compareClause(dir, scan.Inclusive)
	args = append(args, scan.From.EntityID, scan.From.EntityID, scan.From.RelatedID)
	args = append(args, scan.Limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT entity_id, related_id
		FROM report_detail
		WHERE %s
		ORDER BY %s
		LIMIT ?`, filter, order), args...)
	if err != nil {
		return nil, wrapDBError("scan details", err)
	}
	defer rows.Close()

	var out []storage.DetailRow
	for rows.Next() {
		var row storage.DetailRow
		if err := rows.Scan(&row.EntityID, &row.RelatedID); err != nil {
			return nil, wrapDBError("scan detail row", err)
		}
		out = append(out, row)
	}
	return out, wrapDBError("iterate details", rows.Err())
}

func (s *Store) countDetails(ctx context.Context, filter string, args []any) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*) FROM (
			SELECT DISTINCT entity_id, related_id
			FROM report_detail
			WHERE %s
		) population`, filter), args...).Scan(&n)
	if err != nil {
		return 0, wrapDBError("count details", err)
	}
	return n, nil
}

// CountDetails implements storage.Storage.
func (s *Store) CountDetails(ctx context.Context, keys []string, relations bool) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	filter, args := detailFilter(keys, relations)
	return s.countDetails(ctx, filter, args)
}

// CountDetailsBefore implements storage.Storage: population members
// strictly before point.
func (s *Store) CountDetailsBefore(ctx context.Context, keys []string, relations bool, point storage.DetailPoint) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	filter, args := detailFilter(keys, relations)
	filter += " AND " + compareClause("<", false)
	args = append(args, point.EntityID, point.EntityID, point.RelatedID)
	return s.countDetails(ctx, filter, args)
}

// CountDetailsAfter implements storage.Storage: population members
// strictly after point.
func (s *Store) CountDetailsAfter(ctx context.Context, keys []string, relations bool, point storage.DetailPoint) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	filter, args := detailFilter(keys, relations)
	filter += " AND " + compareClause(">", false)
	args = append(args, point.EntityID, point.EntityID, point.RelatedID)
	return s.countDetails(ctx, filter, args)
}

// DetailExtrema implements storage.Storage. Both results are nil for an
// empty population.
func (s *Store) DetailExtrema(ctx context.Context, keys []string, relations bool) (min, max *storage.DetailPoint, err error) {
	if len(keys) == 0 {
		return nil, nil, nil
	}
	filter, args := detailFilter(keys, relations)

	point := func(order string) (*storage.DetailPoint, error) {
		var p storage.DetailPoint
		err := s.db.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT entity_id, related_id
			FROM report_detail
			WHERE %s
			ORDER BY %s
			LIMIT 1`, filter, order), args...).Scan(&p.EntityID, &p.RelatedID)
		if err == nil {
			return &p, nil
		}
		if isNoRows(err) {
			return nil, nil
		}
		return nil, wrapDBError("detail extrema", err)
	}

	if min, err = point("entity_id, related_id"); err != nil {
		return nil, nil, err
	}
	if min == nil {
		return nil, nil, nil
	}
	if max, err = point("entity_id DESC, related_id DESC"); err != nil {
		return nil, nil, err
	}
	return min, max, nil
}
