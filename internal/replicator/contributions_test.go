package replicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entitygraph/datamart/internal/types"
)

func contribValue(contribs map[contribKey]contribDelta, key types.ReportKey, entityID, relatedID int64) contribDelta {
	return contribs[contribKey{key: key, entityID: entityID, relatedID: relatedID}]
}

func TestContributionsSingleRecord(t *testing.T) {
	e := &types.ResolvedEntity{
		ID:      1,
		Records: []types.Record{{DataSource: "FOO", RecordID: "1", MatchKey: "NAME+DOB", Principle: "CNAME"}},
	}
	contribs := reportContributions(e)

	entityCount := types.ReportKey{Code: types.DataSourceSummary, Statistic: types.StatEntityCount, DataSource1: "FOO"}
	recordCount := types.ReportKey{Code: types.DataSourceSummary, Statistic: types.StatRecordCount, DataSource1: "FOO"}
	unmatched := types.ReportKey{Code: types.DataSourceSummary, Statistic: types.StatUnmatchedCount, DataSource1: "FOO"}
	size := types.ReportKey{Code: types.EntitySizeBreakdown, Statistic: types.StatEntityCount, DataSource1: "1"}

	assert.Equal(t, int64(1), contribValue(contribs, entityCount, 1, 0).entity)
	assert.Equal(t, int64(1), contribValue(contribs, recordCount, 1, 0).record)
	assert.Equal(t, int64(1), contribValue(contribs, unmatched, 1, 0).entity)
	assert.Equal(t, int64(1), contribValue(contribs, size, 1, 0).entity)

	// A single-record entity matches nothing.
	for ck := range contribs {
		assert.NotEqual(t, types.CrossSourceSummary, ck.key.Code, "unexpected cross-source key %s", ck.key)
	}
}

func TestContributionsMatchedQualifierGrid(t *testing.T) {
	e := &types.ResolvedEntity{
		ID: 1,
		Records: []types.Record{
			{DataSource: "FOO", RecordID: "1"},
			{DataSource: "FOO", RecordID: "2", MatchKey: "NAME+DOB", Principle: "CNAME"},
		},
	}
	contribs := reportContributions(e)

	for _, stat := range []string{
		types.StatMatchedCount,
		types.FormatStatistic(types.StatMatchedCount, "CNAME", ""),
		types.FormatStatistic(types.StatMatchedCount, "", "NAME+DOB"),
		types.FormatStatistic(types.StatMatchedCount, "CNAME", "NAME+DOB"),
	} {
		key := types.ReportKey{Code: types.CrossSourceSummary, Statistic: stat, DataSource1: "FOO", DataSource2: "FOO"}
		assert.Equal(t, int64(1), contribValue(contribs, key, 1, 0).entity, "stat %s", stat)
	}
}

func TestContributionsCrossSourcePair(t *testing.T) {
	e := &types.ResolvedEntity{
		ID: 1,
		Records: []types.Record{
			{DataSource: "FOO", RecordID: "1"},
			{DataSource: "BAR", RecordID: "2", MatchKey: "ADDRESS", Principle: "SF1"},
		},
	}
	contribs := reportContributions(e)

	// Both orderings of the cross pair are matched; neither same-source
	// pair is (one record each).
	fooBar := types.ReportKey{Code: types.CrossSourceSummary, Statistic: types.StatMatchedCount, DataSource1: "FOO", DataSource2: "BAR"}
	barFoo := types.ReportKey{Code: types.CrossSourceSummary, Statistic: types.StatMatchedCount, DataSource1: "BAR", DataSource2: "FOO"}
	fooFoo := types.ReportKey{Code: types.CrossSourceSummary, Statistic: types.StatMatchedCount, DataSource1: "FOO", DataSource2: "FOO"}

	assert.Equal(t, int64(1), contribValue(contribs, fooBar, 1, 0).entity)
	assert.Equal(t, int64(1), contribValue(contribs, barFoo, 1, 0).entity)
	assert.True(t, contribValue(contribs, fooFoo, 1, 0).isZero())
}

func TestContributionsRelationshipScoped(t *testing.T) {
	e := &types.ResolvedEntity{
		ID:      1,
		Records: []types.Record{{DataSource: "FOO", RecordID: "1"}},
		Related: []types.RelatedEntity{{
			ID: 5, MatchLevel: 2, MatchKey: "PHONE", Principle: "SF1",
			SourceSummary: map[string]int64{"BAR": 2},
		}},
	}
	contribs := reportContributions(e)

	// MatchType omitted: detected from match level 2.
	key := types.ReportKey{
		Code:        types.CrossSourceSummary,
		Statistic:   types.FormatStatistic(types.PossibleMatch.Statistic(), "SF1", "PHONE"),
		DataSource1: "FOO", DataSource2: "BAR",
	}
	assert.Equal(t, int64(1), contribValue(contribs, key, 1, 5).relation)

	relBucket := types.ReportKey{Code: types.EntityRelationBreakdown, Statistic: types.StatEntityCount, DataSource1: "1"}
	assert.Equal(t, int64(1), contribValue(contribs, relBucket, 1, 0).entity)
}

func TestContributionsNilEntity(t *testing.T) {
	assert.Empty(t, reportContributions(nil))
}

func TestDiffContributionsFixedPoint(t *testing.T) {
	e := &types.ResolvedEntity{
		ID: 1,
		Records: []types.Record{
			{DataSource: "FOO", RecordID: "1"},
			{DataSource: "BAR", RecordID: "2"},
		},
	}
	same := diffContributions(reportContributions(e), reportContributions(e))
	assert.Empty(t, same, "identical states must produce no updates")

	up := diffContributions(reportContributions(nil), reportContributions(e))
	require.NotEmpty(t, up)
	down := diffContributions(reportContributions(e), reportContributions(nil))
	require.Equal(t, len(up), len(down))

	// Creation and removal cancel exactly.
	totals := make(map[contribKey]contribDelta)
	for _, u := range append(up, down...) {
		ck := contribKey{key: u.Key, entityID: u.EntityID, relatedID: u.RelatedID}
		cur := totals[ck]
		cur.entity += u.EntityDelta
		cur.record += u.RecordDelta
		cur.relation += u.RelationDelta
		totals[ck] = cur
	}
	for ck, d := range totals {
		assert.True(t, d.isZero(), "key %s does not cancel", ck.key)
	}

	for _, u := range up {
		assert.False(t, u.IsZero(), "zero update emitted for %s", u.Key)
	}
}
