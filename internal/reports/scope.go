package reports

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/entitygraph/datamart/internal/storage"
	"github.com/entitygraph/datamart/internal/types"
)

// Scope selects which data sources a summary covers.
type Scope string

const (
	// ScopeLoaded covers only sources with at least one loaded record.
	ScopeLoaded Scope = "LOADED"
	// ScopeAllButDefault adds caller-supplied sources but excludes the
	// well-known template defaults.
	ScopeAllButDefault Scope = "ALL_BUT_DEFAULT"
	// ScopeAllWithDefault includes the template defaults too.
	ScopeAllWithDefault Scope = "ALL_WITH_DEFAULT"
)

// defaultSources are the template data sources present in every
// engine configuration.
var defaultSources = []string{"SEARCH", "TEST"}

// ParseScope parses the text form of a scope. Blank defaults to LOADED.
func ParseScope(s string) (Scope, error) {
	scope := Scope(strings.ToUpper(strings.TrimSpace(s)))
	switch scope {
	case "":
		return ScopeLoaded, nil
	case ScopeLoaded, ScopeAllButDefault, ScopeAllWithDefault:
		return scope, nil
	default:
		return "", fmt.Errorf("%w: unknown scope %q", storage.ErrInvalidArgument, s)
	}
}

// resolveSources expands a scope plus caller extras into the sorted
// source list a summary covers.
func (s *Service) resolveSources(ctx context.Context, scope Scope, extras []string) ([]string, error) {
	loaded, err := s.store.ListDataSources(ctx)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool, len(loaded)+len(extras))
	for _, src := range loaded {
		set[src] = true
	}
	if scope != ScopeLoaded {
		for _, src := range extras {
			if src = strings.TrimSpace(src); src != "" {
				set[src] = true
			}
		}
		for _, src := range defaultSources {
			if scope == ScopeAllWithDefault {
				set[src] = true
			} else {
				delete(set, src)
			}
		}
	}

	out := make([]string, 0, len(set))
	for src := range set {
		out = append(out, src)
	}
	sort.Strings(out)
	return out, nil
}

// materializeScope ensures zero counter rows exist for every in-scope
// source, so configured-but-empty sources answer with zeros rather
// than not-found.
func (s *Service) materializeScope(ctx context.Context, sources []string) error {
	var keys []types.ReportKey
	for _, src := range sources {
		for _, stat := range []string{types.StatEntityCount, types.StatRecordCount, types.StatUnmatchedCount} {
			keys = append(keys, types.ReportKey{
				Code: types.DataSourceSummary, Statistic: stat, DataSource1: src,
			})
		}
		for _, other := range sources {
			keys = append(keys, types.ReportKey{
				Code: types.CrossSourceSummary, Statistic: types.StatMatchedCount,
				DataSource1: src, DataSource2: other,
			})
		}
	}
	return s.store.EnsureReportCounters(ctx, keys)
}
