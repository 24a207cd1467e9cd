package types

import "sort"

// Relationship is the canonical stored form of an entity-to-entity
// edge. The endpoint ids are normalized so Lo < Hi; the per-endpoint
// source summaries are labeled accordingly. Two relationships are equal
// only when every field, including both summaries, matches.
type Relationship struct {
	Lo         int64            `json:"lo"`
	Hi         int64            `json:"hi"`
	MatchLevel int              `json:"level,omitempty"`
	MatchType  MatchType        `json:"type,omitempty"`
	MatchKey   string           `json:"mk,omitempty"`
	Principle  string           `json:"prin,omitempty"`
	LoSummary  map[string]int64 `json:"loSources,omitempty"`
	HiSummary  map[string]int64 `json:"hiSources,omitempty"`
}

// NewRelationship builds the canonical relationship for one edge as
// observed from the resolved entity's side. The resolved side's
// summary is derived from its records; the related side's comes from
// the engine's record summary. Endpoints are flipped as needed so the
// smaller id lands on Lo.
func NewRelationship(resolved *ResolvedEntity, related RelatedEntity) Relationship {
	rel := Relationship{
		MatchLevel: related.MatchLevel,
		MatchType:  related.MatchType,
		MatchKey:   related.MatchKey,
		Principle:  related.Principle,
	}
	if resolved.ID < related.ID {
		rel.Lo = resolved.ID
		rel.Hi = related.ID
		rel.LoSummary = resolved.SourceSummary()
		rel.HiSummary = copySummary(related.SourceSummary)
	} else {
		rel.Lo = related.ID
		rel.Hi = resolved.ID
		rel.LoSummary = copySummary(related.SourceSummary)
		rel.HiSummary = resolved.SourceSummary()
	}
	return rel
}

// Other returns the id of the endpoint opposite to entityID.
func (r Relationship) Other(entityID int64) int64 {
	if r.Lo == entityID {
		return r.Hi
	}
	return r.Lo
}

// SummaryFor returns the source summary of the given endpoint.
func (r Relationship) SummaryFor(entityID int64) map[string]int64 {
	if r.Lo == entityID {
		return r.LoSummary
	}
	return r.HiSummary
}

// Equal compares every field including both source summaries.
func (r Relationship) Equal(other Relationship) bool {
	if r.Lo != other.Lo || r.Hi != other.Hi ||
		r.MatchLevel != other.MatchLevel || r.MatchType != other.MatchType ||
		r.MatchKey != other.MatchKey || r.Principle != other.Principle {
		return false
	}
	return summariesEqual(r.LoSummary, other.LoSummary) &&
		summariesEqual(r.HiSummary, other.HiSummary)
}

func summariesEqual(a, b map[string]int64) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func copySummary(src map[string]int64) map[string]int64 {
	if src == nil {
		return nil
	}
	out := make(map[string]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SummarySources returns the data sources of a summary in sorted order.
func SummarySources(summary map[string]int64) []string {
	out := make([]string, 0, len(summary))
	for s := range summary {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
