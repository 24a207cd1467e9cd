// Package reports is the read side of the mart: aggregate statistic
// lookups, per-source summaries, histogram breakdowns, and the
// paginated, bounded, sampleable enumeration of the entities and
// relations behind each statistic.
package reports

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/entitygraph/datamart/internal/storage"
	"github.com/entitygraph/datamart/internal/types"
)

// Service serves report queries against a mart. It only reads; the
// replicator is the mart's writer.
type Service struct {
	store storage.Storage
}

// NewService wires a report service over a store.
func NewService(store storage.Storage) *Service {
	return &Service{store: store}
}

// normalizeKey parses a report-key text and canonicalizes the
// match-key qualifier of relationship statistics, so either token
// order addresses the stored counter.
func normalizeKey(keyText string) (types.ReportKey, error) {
	key, err := types.ParseReportKey(keyText)
	if err != nil {
		return types.ReportKey{}, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	base, principle, matchKey, err := types.ParseStatistic(key.Statistic)
	if err != nil {
		return types.ReportKey{}, fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err)
	}
	if matchKey != "" && relationStatistic(base) {
		key.Statistic = types.FormatStatistic(base, principle, types.ReverseMatchKey(matchKey))
	}
	return key, nil
}

func relationStatistic(base string) bool {
	switch base {
	case types.StatAmbiguousCount, types.StatPossibleMatch,
		types.StatPossibleRelation, types.StatDisclosedRelation:
		return true
	}
	return false
}

// GetStatistic returns the aggregate counter addressed by a report-key
// text. A key that was never written reads as zero.
func (s *Service) GetStatistic(ctx context.Context, keyText string) (*storage.ReportCounter, error) {
	key, err := normalizeKey(keyText)
	if err != nil {
		return nil, err
	}
	counter, err := s.store.GetReportCounter(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.ReportCounter{Key: key}, nil
	}
	if err != nil {
		return nil, err
	}
	return counter, nil
}

// GetEntityPage enumerates the entity population behind a statistic.
func (s *Service) GetEntityPage(ctx context.Context, keyText string, req PageRequest) (*Page, error) {
	key, err := normalizeKey(keyText)
	if err != nil {
		return nil, err
	}
	return s.getPage(ctx, []string{key.String()}, false, req)
}

// GetRelationPage enumerates the (entity, related) pairs behind a
// relationship statistic.
func (s *Service) GetRelationPage(ctx context.Context, keyText string, req PageRequest) (*Page, error) {
	key, err := normalizeKey(keyText)
	if err != nil {
		return nil, err
	}
	return s.getPage(ctx, []string{key.String()}, true, req)
}

// SourceSummary is the per-data-source roll-up.
type SourceSummary struct {
	DataSource     string
	EntityCount    int64
	RecordCount    int64
	UnmatchedCount int64
}

// ListSourceSummaries returns one summary per in-scope data source,
// materializing zero rows for configured-but-empty sources first.
func (s *Service) ListSourceSummaries(ctx context.Context, scope Scope, extras []string) ([]SourceSummary, error) {
	sources, err := s.resolveSources(ctx, scope, extras)
	if err != nil {
		return nil, err
	}
	if err := s.materializeScope(ctx, sources); err != nil {
		return nil, err
	}

	out := make([]SourceSummary, 0, len(sources))
	for _, src := range sources {
		summary := SourceSummary{DataSource: src}
		for _, stat := range []string{types.StatEntityCount, types.StatRecordCount, types.StatUnmatchedCount} {
			counter, err := s.GetStatistic(ctx, types.ReportKey{
				Code: types.DataSourceSummary, Statistic: stat, DataSource1: src,
			}.String())
			if err != nil {
				return nil, err
			}
			switch stat {
			case types.StatEntityCount:
				summary.EntityCount = counter.EntityCount
			case types.StatRecordCount:
				summary.RecordCount = counter.RecordCount
			case types.StatUnmatchedCount:
				summary.UnmatchedCount = counter.EntityCount
			}
		}
		out = append(out, summary)
	}
	return out, nil
}

// Bucket is one histogram bar: entities whose record (or relation)
// count equals Size.
type Bucket struct {
	Size        int
	EntityCount int64
}

// EntitySizeBreakdown returns the histogram of entities by record
// count, ascending by size.
func (s *Service) EntitySizeBreakdown(ctx context.Context) ([]Bucket, error) {
	return s.breakdown(ctx, types.EntitySizeBreakdown)
}

// EntityRelationBreakdown returns the histogram of entities by
// relation count, ascending by size.
func (s *Service) EntityRelationBreakdown(ctx context.Context) ([]Bucket, error) {
	return s.breakdown(ctx, types.EntityRelationBreakdown)
}

func (s *Service) breakdown(ctx context.Context, code types.ReportCode) ([]Bucket, error) {
	counters, err := s.store.ListReportCounters(ctx, string(code)+":")
	if err != nil {
		return nil, err
	}
	var out []Bucket
	for _, c := range counters {
		if c.EntityCount == 0 {
			continue
		}
		size, err := strconv.Atoi(c.Key.DataSource1)
		if err != nil {
			return nil, fmt.Errorf("histogram key %s has a non-integer bucket: %w", c.Key, err)
		}
		out = append(out, Bucket{Size: size, EntityCount: c.EntityCount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Size < out[j].Size })
	return out, nil
}
