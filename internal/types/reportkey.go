package types

import (
	"fmt"
	"net/url"
	"strings"
)

// ReportCode addresses one family of aggregate report statistics.
type ReportCode string

const (
	// DataSourceSummary covers per-data-source totals.
	DataSourceSummary ReportCode = "DSS"
	// CrossSourceSummary covers matched/related counts between an
	// ordered pair of data sources.
	CrossSourceSummary ReportCode = "CSS"
	// EntitySizeBreakdown is the histogram of entities by record count.
	EntitySizeBreakdown ReportCode = "ESB"
	// EntityRelationBreakdown is the histogram of entities by relation
	// count.
	EntityRelationBreakdown ReportCode = "ERB"
)

// IsValid reports whether c names a defined report code.
func (c ReportCode) IsValid() bool {
	switch c {
	case DataSourceSummary, CrossSourceSummary, EntitySizeBreakdown, EntityRelationBreakdown:
		return true
	}
	return false
}

// Report statistic base tags.
const (
	StatEntityCount       = "ENTITY_COUNT"
	StatRecordCount       = "RECORD_COUNT"
	StatUnmatchedCount    = "UNMATCHED_COUNT"
	StatMatchedCount      = "MATCHED_COUNT"
	StatAmbiguousCount    = "AMBIGUOUS_MATCH_COUNT"
	StatPossibleMatch     = "POSSIBLE_MATCH_COUNT"
	StatPossibleRelation  = "POSSIBLE_RELATION_COUNT"
	StatDisclosedRelation = "DISCLOSED_RELATION_COUNT"
)

// FormatStatistic renders a statistic tag with optional principle and
// match-key qualifiers. Blank qualifiers normalize to absent; a match
// key without a principle keeps its empty slot ("STAT::MK") so the
// text form stays unambiguous.
func FormatStatistic(base, principle, matchKey string) string {
	principle = strings.TrimSpace(principle)
	matchKey = strings.TrimSpace(matchKey)
	switch {
	case matchKey != "":
		return base + ":" + principle + ":" + matchKey
	case principle != "":
		return base + ":" + principle
	default:
		return base
	}
}

// ParseStatistic splits a statistic tag into its base and qualifiers.
func ParseStatistic(s string) (base, principle, matchKey string, err error) {
	parts := strings.SplitN(s, ":", 3)
	base = strings.TrimSpace(parts[0])
	if base == "" {
		return "", "", "", fmt.Errorf("invalid statistic: %q", s)
	}
	if len(parts) > 1 {
		principle = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		matchKey = strings.TrimSpace(parts[2])
	}
	return base, principle, matchKey, nil
}

// ReportKey addresses a single aggregate counter: a report code, a
// statistic tag, and up to two data sources. DataSource2 implies
// DataSource1.
type ReportKey struct {
	Code        ReportCode
	Statistic   string
	DataSource1 string
	DataSource2 string
}

// NewReportKey builds and validates a report key.
func NewReportKey(code ReportCode, statistic string, sources ...string) (ReportKey, error) {
	key := ReportKey{Code: code, Statistic: strings.TrimSpace(statistic)}
	if len(sources) > 0 {
		key.DataSource1 = strings.TrimSpace(sources[0])
	}
	if len(sources) > 1 {
		key.DataSource2 = strings.TrimSpace(sources[1])
	}
	if len(sources) > 2 {
		return ReportKey{}, fmt.Errorf("report key takes at most two data sources, got %d", len(sources))
	}
	if err := key.Validate(); err != nil {
		return ReportKey{}, err
	}
	return key, nil
}

// Validate checks the structural invariants of the key.
func (k ReportKey) Validate() error {
	if !k.Code.IsValid() {
		return fmt.Errorf("invalid report code: %q", k.Code)
	}
	if k.Statistic == "" {
		return fmt.Errorf("report key missing statistic")
	}
	if k.DataSource2 != "" && k.DataSource1 == "" {
		return fmt.Errorf("report key has second data source %q without a first", k.DataSource2)
	}
	return nil
}

// String renders the canonical text form:
// CODE:urlenc(STAT)[:urlenc(DS1)[:urlenc(DS2)]].
func (k ReportKey) String() string {
	var b strings.Builder
	b.WriteString(string(k.Code))
	b.WriteByte(':')
	b.WriteString(url.QueryEscape(k.Statistic))
	if k.DataSource1 != "" || k.DataSource2 != "" {
		b.WriteByte(':')
		b.WriteString(url.QueryEscape(k.DataSource1))
	}
	if k.DataSource2 != "" {
		b.WriteByte(':')
		b.WriteString(url.QueryEscape(k.DataSource2))
	}
	return b.String()
}

// ParseReportKey is the total inverse of String. It accepts 2-4
// colon-separated tokens; token payloads are percent-decoded.
func ParseReportKey(s string) (ReportKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 4 {
		return ReportKey{}, fmt.Errorf("invalid report key %q: want 2-4 tokens, got %d", s, len(parts))
	}
	key := ReportKey{Code: ReportCode(strings.ToUpper(strings.TrimSpace(parts[0])))}
	stat, err := url.QueryUnescape(parts[1])
	if err != nil {
		return ReportKey{}, fmt.Errorf("invalid report key %q: bad statistic token: %w", s, err)
	}
	key.Statistic = strings.TrimSpace(stat)
	if len(parts) > 2 {
		ds1, err := url.QueryUnescape(parts[2])
		if err != nil {
			return ReportKey{}, fmt.Errorf("invalid report key %q: bad data source token: %w", s, err)
		}
		key.DataSource1 = strings.TrimSpace(ds1)
	}
	if len(parts) > 3 {
		ds2, err := url.QueryUnescape(parts[3])
		if err != nil {
			return ReportKey{}, fmt.Errorf("invalid report key %q: bad data source token: %w", s, err)
		}
		key.DataSource2 = strings.TrimSpace(ds2)
	}
	if err := key.Validate(); err != nil {
		return ReportKey{}, fmt.Errorf("invalid report key %q: %w", s, err)
	}
	return key, nil
}

// ReportUpdate is one signed delta against a report counter, tagged
// with the entity (and, for relationship statistics, the related
// entity) whose state change produced it.
type ReportUpdate struct {
	Key           ReportKey
	EntityID      int64
	RelatedID     int64 // zero when the update is not relationship-scoped
	EntityDelta   int64
	RecordDelta   int64
	RelationDelta int64
}

// IsZero reports whether the update carries no delta at all. Zero
// updates are never journaled.
func (u ReportUpdate) IsZero() bool {
	return u.EntityDelta == 0 && u.RecordDelta == 0 && u.RelationDelta == 0
}
