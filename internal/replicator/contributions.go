package replicator

import (
	"sort"
	"strconv"

	"github.com/entitygraph/datamart/internal/types"
)

// A refresh never computes deltas directly. It derives the full set of
// counter contributions an entity state makes, does the same for the
// prior state, and subtracts. A missed or duplicated event then simply
// re-drives the same fixed point.

type contribKey struct {
	key       types.ReportKey
	entityID  int64
	relatedID int64
}

type contribDelta struct {
	entity   int64
	record   int64
	relation int64
}

func (d contribDelta) sub(other contribDelta) contribDelta {
	return contribDelta{
		entity:   d.entity - other.entity,
		record:   d.record - other.record,
		relation: d.relation - other.relation,
	}
}

func (d contribDelta) isZero() bool {
	return d.entity == 0 && d.record == 0 && d.relation == 0
}

// qualifierGrid enumerates the (principle, matchKey) qualifier pairs
// one observation feeds: the unqualified sentinel, each partial, and
// the fully qualified pair.
func qualifierGrid(principle, matchKey string) [][2]string {
	grid := [][2]string{{"", ""}}
	if principle != "" {
		grid = append(grid, [2]string{principle, ""})
	}
	if matchKey != "" {
		grid = append(grid, [2]string{"", matchKey})
	}
	if principle != "" && matchKey != "" {
		grid = append(grid, [2]string{principle, matchKey})
	}
	return grid
}

// reportContributions computes every positive counter contribution of
// one resolved entity state. A nil entity (removed or never seen)
// contributes nothing.
func reportContributions(e *types.ResolvedEntity) map[contribKey]contribDelta {
	out := make(map[contribKey]contribDelta)
	if e == nil {
		return out
	}

	add := func(key types.ReportKey, relatedID int64, d contribDelta) {
		ck := contribKey{key: key, entityID: e.ID, relatedID: relatedID}
		cur := out[ck]
		cur.entity += d.entity
		cur.record += d.record
		cur.relation += d.relation
		out[ck] = cur
	}

	summary := e.SourceSummary()
	sources := types.SummarySources(summary)

	for _, src := range sources {
		add(types.ReportKey{
			Code: types.DataSourceSummary, Statistic: types.StatEntityCount, DataSource1: src,
		}, 0, contribDelta{entity: 1})
		add(types.ReportKey{
			Code: types.DataSourceSummary, Statistic: types.StatRecordCount, DataSource1: src,
		}, 0, contribDelta{record: summary[src]})
	}

	// A single-record entity matched nothing.
	if e.RecordCount() == 1 {
		add(types.ReportKey{
			Code: types.DataSourceSummary, Statistic: types.StatUnmatchedCount,
			DataSource1: e.Records[0].DataSource,
		}, 0, contribDelta{entity: 1})
	}

	if n := e.RecordCount(); n > 0 {
		add(types.ReportKey{
			Code: types.EntitySizeBreakdown, Statistic: types.StatEntityCount,
			DataSource1: strconv.Itoa(n),
		}, 0, contribDelta{entity: 1})
	}
	if n := e.RelationCount(); n > 0 {
		add(types.ReportKey{
			Code: types.EntityRelationBreakdown, Statistic: types.StatEntityCount,
			DataSource1: strconv.Itoa(n),
		}, 0, contribDelta{entity: 1})
	}

	// Matched counts per ordered source pair. A same-source pair needs
	// two records from that source; a cross-source pair needs one from
	// each, which membership in the summary already guarantees.
	for _, d1 := range sources {
		for _, d2 := range sources {
			if d1 == d2 && summary[d1] < 2 {
				continue
			}
			seen := make(map[string]bool)
			emit := func(principle, matchKey string) {
				stat := types.FormatStatistic(types.StatMatchedCount, principle, matchKey)
				if seen[stat] {
					return
				}
				seen[stat] = true
				add(types.ReportKey{
					Code: types.CrossSourceSummary, Statistic: stat,
					DataSource1: d1, DataSource2: d2,
				}, 0, contribDelta{entity: 1})
			}
			emit("", "")
			for _, rec := range e.Records {
				if rec.DataSource != d1 && rec.DataSource != d2 {
					continue
				}
				for _, q := range qualifierGrid(rec.Principle, rec.MatchKey)[1:] {
					emit(q[0], q[1])
				}
			}
		}
	}

	// Relationship counts are directed: this entity's side of each edge,
	// per ordered (own source, related source) pair. The opposite
	// direction is contributed by the other endpoint's own refresh.
	// The match-key qualifier is normalized so the two endpoints agree
	// on one key even when they report the feature tokens in opposite
	// order.
	for _, rel := range e.Related {
		matchType := rel.MatchType
		if matchType == "" {
			matchType = types.DetectMatchType(false, false, rel.MatchLevel)
		}
		base := matchType.Statistic()
		for _, d1 := range sources {
			for _, d2 := range types.SummarySources(rel.SourceSummary) {
				for _, q := range qualifierGrid(rel.Principle, types.ReverseMatchKey(rel.MatchKey)) {
					add(types.ReportKey{
						Code:        types.CrossSourceSummary,
						Statistic:   types.FormatStatistic(base, q[0], q[1]),
						DataSource1: d1, DataSource2: d2,
					}, rel.ID, contribDelta{relation: 1})
				}
			}
		}
	}

	return out
}

// diffContributions subtracts the prior contribution set from the
// current one and renders the non-zero differences as journal updates,
// in deterministic order.
func diffContributions(prev, curr map[contribKey]contribDelta) []types.ReportUpdate {
	var updates []types.ReportUpdate
	for ck, c := range curr {
		d := c.sub(prev[ck])
		if d.isZero() {
			continue
		}
		updates = append(updates, types.ReportUpdate{
			Key: ck.key, EntityID: ck.entityID, RelatedID: ck.relatedID,
			EntityDelta: d.entity, RecordDelta: d.record, RelationDelta: d.relation,
		})
	}
	for ck, p := range prev {
		if _, stillPresent := curr[ck]; stillPresent {
			continue
		}
		updates = append(updates, types.ReportUpdate{
			Key: ck.key, EntityID: ck.entityID, RelatedID: ck.relatedID,
			EntityDelta: -p.entity, RecordDelta: -p.record, RelationDelta: -p.relation,
		})
	}
	sort.Slice(updates, func(i, j int) bool {
		a, b := updates[i], updates[j]
		if ka, kb := a.Key.String(), b.Key.String(); ka != kb {
			return ka < kb
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.RelatedID < b.RelatedID
	})
	return updates
}
